package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/model"
)

// closeNotFound is the close code sent when a stream names an unknown job.
const closeNotFound = 4404

const writeWait = 10 * time.Second

// follow sends the job's backlog and then live events, in order. It returns
// nil once a finished job is drained and CloseOnDone is set.
func (h *Handler) follow(ctx context.Context, j *job, send func(json.RawMessage) error) error {
	idx := 0
	for {
		frames, changed, finished := j.since(idx)
		for _, f := range frames {
			if err := send(f); err != nil {
				return err
			}
		}
		idx += len(frames)
		if len(frames) > 0 {
			continue
		}
		if finished && h.opts.CloseOnDone {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	id := model.JobID(chi.URLParam(r, "id"))
	log := h.log.With("job", id, "stream", "websocket")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	j, ok := h.jobs.get(id)
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeNotFound, "job not found"), time.Now().Add(writeWait))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reading is required to see the client's close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sent := 0
	err = h.follow(ctx, j, func(frame json.RawMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
		sent++
		return nil
	})
	log.Debug("websocket stream ended", "sent", sent, "err", err)
	if err == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"), time.Now().Add(writeWait))
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := model.JobID(chi.URLParam(r, "id"))
	j, ok := h.jobs.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sent := 0
	err := h.follow(r.Context(), j, func(frame json.RawMessage) error {
		sent++
		if _, err := fmt.Fprintf(w, "id: %d\nevent: frame\ndata: %s\n\n", sent, frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	h.log.With("job", id, "stream", "sse").Debug("event stream ended", "sent", sent, "err", err)
}

// ListenAndServe starts an HTTP server and shuts it down on context
// cancellation.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	logger := pslog.Ctx(ctx)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          pslog.LogLoggerWithLevel(logger, pslog.ErrorLevel),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info("fake backend listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
