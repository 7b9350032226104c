// Package transport opens the per-job streaming channel and delivers raw
// frames to a sink.
//
// A Handle never delivers anything after Close returns, including frames that
// were already in flight. A connection that cannot be established still
// yields a Handle; its sink receives Closed immediately with no frames, which
// callers treat the same as a clean close. Nothing here retries.
package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/jxucoder/aicoder/model"
)

// Sink receives frames and the closure signal for one Handle. Implementations
// must not block on locks the caller of Handle.Close might hold.
type Sink interface {
	Frame(raw string)
	Closed(err error)
}

// Handle is an open stream.
type Handle interface {
	// Close is idempotent and synchronous.
	Close() error
	// Done is closed once the reader goroutine has exited.
	Done() <-chan struct{}
}

// Dialer opens a stream for a job.
type Dialer interface {
	Open(ctx context.Context, id model.JobID, sink Sink) Handle
}

// Kind names a transport implementation in configuration.
type Kind string

const (
	KindWebSocket Kind = "websocket"
	KindSSE       Kind = "sse"
)

// SinkFuncs adapts two functions to the Sink interface.
type SinkFuncs struct {
	OnFrame  func(raw string)
	OnClosed func(err error)
}

func (s SinkFuncs) Frame(raw string) {
	if s.OnFrame != nil {
		s.OnFrame(raw)
	}
}

func (s SinkFuncs) Closed(err error) {
	if s.OnClosed != nil {
		s.OnClosed(err)
	}
}

// guard serialises delivery against Close. Sink calls happen under mu, so
// once shut returns no further call can start.
type guard struct {
	mu     sync.Mutex
	closed bool
	sink   Sink
}

func (g *guard) frame(raw string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.sink.Frame(raw)
	return true
}

// finish reports remote closure. It is a no-op after a local Close.
func (g *guard) finish(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.sink.Closed(err)
}

// shut marks the guard closed and reports whether this call did it.
func (g *guard) shut() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.closed = true
	return true
}

func (g *guard) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// streamURL joins base with /tasks/{id}/{suffix}, optionally switching the
// scheme to ws/wss.
func streamURL(base string, id model.JobID, suffix string, websocket bool) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server url %q must include scheme and host", base)
	}
	if websocket {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
	}
	u.Path = u.Path + "/tasks/" + url.PathEscape(string(id)) + "/" + suffix
	return u.String(), nil
}
