package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/model"
)

// SSE streams frames from <base>/tasks/{id}/events as server-sent events.
// Each event's data lines are joined into one frame.
type SSE struct {
	baseURL string
	client  *http.Client
	log     pslog.Logger
}

// NewSSE creates an event-stream dialer for the given server base URL.
func NewSSE(baseURL string, logger pslog.Logger) *SSE {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	// No client timeout: the stream lives as long as the job.
	return &SSE{baseURL: baseURL, client: &http.Client{}, log: logger}
}

// Open connects in the background and returns immediately.
func (s *SSE) Open(ctx context.Context, id model.JobID, sink Sink) Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &sseHandle{
		guard:  guard{sink: sink},
		cancel: cancel,
		done:   make(chan struct{}),
		log:    s.log.With("job", id, "transport", KindSSE),
	}
	go h.run(ctx, s, id)
	return h
}

type sseHandle struct {
	guard
	cancel context.CancelFunc
	done   chan struct{}
	log    pslog.Logger
	once   sync.Once
}

func (h *sseHandle) Done() <-chan struct{} { return h.done }

func (h *sseHandle) Close() error {
	h.once.Do(func() {
		if h.shut() {
			h.log.Debug("stream closed locally")
		}
		h.cancel()
	})
	return nil
}

func (h *sseHandle) run(ctx context.Context, s *SSE, id model.JobID) {
	defer close(h.done)

	target, err := streamURL(s.baseURL, id, "events", false)
	if err != nil {
		h.finish(err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		h.finish(err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	h.log.Debug("stream open", "url", target)
	resp, err := s.client.Do(req)
	if err != nil {
		h.finish(err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.finish(fmt.Errorf("stream returned status %d", resp.StatusCode))
		return
	}

	start := time.Now()
	count := 0
	// Lines are unbounded: a diff frame carries whole file contents.
	reader := bufio.NewReader(resp.Body)
	var dataLines []string

	for {
		raw, rerr := reader.ReadString('\n')
		line := strings.TrimRight(raw, "\r\n")
		switch {
		case rerr != nil:
			// A trailing line without a newline never completes an event.
		case line == "":
			if len(dataLines) > 0 {
				payload := strings.Join(dataLines, "\n")
				dataLines = dataLines[:0]
				if h.frame(payload) {
					count++
				}
			}
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		if rerr != nil {
			err = rerr
			break
		}
	}
	if errors.Is(err, io.EOF) || ctx.Err() != nil {
		err = nil
	}
	h.log.Debug("stream ended", "frames", count, "dur", time.Since(start), "err", err)
	h.finish(err)
}
