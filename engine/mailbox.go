package engine

import (
	"context"
	"sync"
)

// item is one transport delivery: a raw frame, or the closure signal.
type item struct {
	raw    string
	closed bool
	err    error
}

// mailbox is an unbounded FIFO between a transport sink and the run's
// reducer loop. Pushes never block and never touch controller locks.
type mailbox struct {
	mu     sync.Mutex
	items  []item
	sealed bool
	wake   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

// Frame implements transport.Sink.
func (m *mailbox) Frame(raw string) { m.push(item{raw: raw}) }

// Closed implements transport.Sink. Nothing is accepted after it.
func (m *mailbox) Closed(err error) { m.push(item{closed: true, err: err}) }

func (m *mailbox) push(it item) {
	m.mu.Lock()
	if m.sealed {
		m.mu.Unlock()
		return
	}
	if it.closed {
		m.sealed = true
	}
	m.items = append(m.items, it)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// pop blocks until an item is available or ctx is done.
func (m *mailbox) pop(ctx context.Context) (item, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			it := m.items[0]
			m.items[0] = item{}
			m.items = m.items[1:]
			m.mu.Unlock()
			return it, true
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-ctx.Done():
			return item{}, false
		}
	}
}

func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
