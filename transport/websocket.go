package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/model"
)

// WebSocket streams frames from ws(s)://<base>/tasks/{id}/stream, one text
// message per frame.
type WebSocket struct {
	baseURL string
	dialer  *websocket.Dialer
	header  http.Header
	log     pslog.Logger
}

// NewWebSocket creates a websocket dialer for the given server base URL.
func NewWebSocket(baseURL string, logger pslog.Logger) *WebSocket {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &WebSocket{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		log: logger,
	}
}

// WithHeader sets extra handshake headers.
func (w *WebSocket) WithHeader(h http.Header) *WebSocket {
	w.header = h
	return w
}

// Open dials in the background and returns immediately.
func (w *WebSocket) Open(ctx context.Context, id model.JobID, sink Sink) Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &wsHandle{
		guard:  guard{sink: sink},
		cancel: cancel,
		done:   make(chan struct{}),
		log:    w.log.With("job", id, "transport", KindWebSocket),
	}
	go h.run(ctx, w, id)
	return h
}

type wsHandle struct {
	guard
	cancel context.CancelFunc
	done   chan struct{}
	log    pslog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	once   sync.Once
}

func (h *wsHandle) Done() <-chan struct{} { return h.done }

func (h *wsHandle) Close() error {
	h.once.Do(func() {
		h.cancel()
		if !h.shut() {
			return
		}
		h.connMu.Lock()
		conn := h.conn
		h.connMu.Unlock()
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = conn.Close()
		}
		h.log.Debug("stream closed locally")
	})
	return nil
}

func (h *wsHandle) run(ctx context.Context, w *WebSocket, id model.JobID) {
	defer close(h.done)

	target, err := streamURL(w.baseURL, id, "stream", true)
	if err != nil {
		h.finish(err)
		return
	}
	h.log.Debug("stream open", "url", target)
	conn, resp, err := w.dialer.DialContext(ctx, target, w.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		h.log.Debug("stream dial failed", "err", err)
		h.finish(err)
		return
	}

	h.connMu.Lock()
	h.conn = conn
	h.connMu.Unlock()
	if h.isClosed() {
		conn.Close()
		return
	}
	defer conn.Close()

	count := 0
	start := time.Now()
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, context.Canceled) {
				err = nil
			}
			h.log.Debug("stream ended", "frames", count, "dur", time.Since(start), "err", err)
			h.finish(err)
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		if h.frame(string(data)) {
			count++
		}
	}
}
