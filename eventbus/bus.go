// Package eventbus fans controller notices out to renderers.
package eventbus

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/model"
)

// NoticeType identifies what changed.
type NoticeType string

const (
	// NoticeState is published after every reduced event.
	NoticeState NoticeType = "state"
	// NoticeStatus is published on a lifecycle transition.
	NoticeStatus NoticeType = "status"
	// NoticeDiffSuperseded is published when a pending diff is replaced
	// before it was resolved.
	NoticeDiffSuperseded NoticeType = "diff_superseded"
	// NoticeAlert carries a user-visible notification.
	NoticeAlert NoticeType = "alert"
)

// Notice tells subscribers that job state changed. Renderers read the state
// itself through the controller snapshot.
type Notice struct {
	Type    NoticeType
	JobID   model.JobID
	Status  model.Status
	Applied int
	Message string
	At      time.Time
}

// All subscribes to notices for every job.
const All model.JobID = ""

// Bus delivers notices without blocking the publisher; a full subscriber
// misses notices.
type Bus struct {
	mu    sync.RWMutex
	subs  map[model.JobID]map[chan Notice]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[model.JobID]map[chan Notice]struct{}),
		log:   logger,
		depth: 64,
	}
}

// Subscribe registers for notices about id (or All) and returns the channel
// plus a cancel func that closes it.
func (b *Bus) Subscribe(id model.JobID) (<-chan Notice, func()) {
	ch := make(chan Notice, b.depth)
	b.mu.Lock()
	set := b.subs[id]
	if set == nil {
		set = make(map[chan Notice]struct{})
		b.subs[id] = set
	}
	set[ch] = struct{}{}
	count := len(set)
	b.mu.Unlock()
	b.log.Debug("eventbus subscribe", "job", id, "subs", count)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if set := b.subs[id]; set != nil {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, id)
				}
			}
			b.mu.Unlock()
			close(ch)
			b.log.Debug("eventbus unsubscribe", "job", id)
		})
	}
}

// Publish sends n to subscribers of n.JobID and of All.
func (b *Bus) Publish(n Notice) {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliver(b.subs[n.JobID], n)
	if n.JobID != All {
		b.deliver(b.subs[All], n)
	}
}

func (b *Bus) deliver(set map[chan Notice]struct{}, n Notice) {
	for ch := range set {
		select {
		case ch <- n:
		default:
			b.log.Trace("eventbus drop", "job", n.JobID, "type", n.Type)
		}
	}
}

// Subscribers reports how many channels listen on id.
func (b *Bus) Subscribers(id model.JobID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[id])
}
