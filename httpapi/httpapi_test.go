package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/model"
	"github.com/jxucoder/aicoder/transport"
)

func quietLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.ErrorLevel})
}

func testHandler(t *testing.T, delay time.Duration) *Handler {
	t.Helper()
	h := New(Options{StepDelay: delay, CloseOnDone: true, Logger: quietLogger()})
	t.Cleanup(h.Close)
	return h
}

func do(t *testing.T, h *Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func submit(t *testing.T, h *Handler, body string) model.JobID {
	t.Helper()
	w := do(t, h, http.MethodPost, "/tasks/run", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp runResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("expected job id")
	}
	return resp.JobID
}

func waitStatus(t *testing.T, h *Handler, id model.JobID, want string) jobSnapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		w := do(t, h, http.MethodGet, "/tasks/"+string(id), "")
		var snap jobSnapshot
		_ = json.NewDecoder(w.Body).Decode(&snap)
		if snap.Status == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s status %q, want %q", id, snap.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func frameType(raw json.RawMessage) string {
	var v struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.Type
}

func TestHealthEndpoint(t *testing.T) {
	h := testHandler(t, 0)
	w := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("unexpected health response: %d %q", w.Code, w.Body.String())
	}
}

func TestRunValidation(t *testing.T) {
	h := testHandler(t, 0)
	cases := map[string]string{
		"invalid body":        `{`,
		"missing instruction": `{"repo_path":"/r"}`,
		"blank instruction":   `{"instruction":"   "}`,
		"too long":            `{"instruction":"` + strings.Repeat("x", 10001) + `"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, "/tasks/run", body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || resp.Error == "" {
				t.Fatalf("expected error body, got %q", w.Body.String())
			}
		})
	}
}

func TestRunPlaysScriptToCompletion(t *testing.T) {
	h := testHandler(t, 0)
	id := submit(t, h, `{"repo_path":"/src/app","instruction":"add validation","max_iters":3}`)

	snap := waitStatus(t, h, id, jobDone)
	want := script(model.JobRequest{RepoPath: "/src/app", Instruction: "add validation", MaxIters: 3}, nil)
	if len(snap.Logs) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(snap.Logs))
	}
	if frameType(snap.Logs[0]) != "index" || frameType(snap.Logs[len(snap.Logs)-1]) != "done" {
		t.Fatalf("unexpected first/last events: %s ... %s", snap.Logs[0], snap.Logs[len(snap.Logs)-1])
	}
	if !strings.Contains(string(snap.Result), `"ok":true`) {
		t.Fatalf("unexpected result: %s", snap.Result)
	}
}

func TestScriptIterations(t *testing.T) {
	count := func(steps []map[string]any, typ string) int {
		n := 0
		for _, s := range steps {
			if s["type"] == typ {
				n++
			}
		}
		return n
	}
	if n := count(script(model.JobRequest{MaxIters: 1}, nil), "iter"); n != 1 {
		t.Fatalf("expected 1 iteration, got %d", n)
	}
	steps := script(model.JobRequest{MaxIters: 5}, nil)
	if n := count(steps, "iter"); n != 2 {
		t.Fatalf("expected 2 iterations, got %d", n)
	}
	if n := count(steps, "patch"); n != 2 {
		t.Fatalf("expected 2 patches, got %d", n)
	}
}

func TestRunIndexesLocalRepo(t *testing.T) {
	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "validate.go"), []byte("package app\n\nfunc validateInput() error { return nil }\n\nfunc other() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(model.JobRequest{RepoPath: repo, Instruction: "harden validateInput", MaxIters: 1})
	h := testHandler(t, 0)
	id := submit(t, h, string(body))
	snap := waitStatus(t, h, id, jobDone)

	find := func(typ string) map[string]any {
		for _, raw := range snap.Logs {
			var evt map[string]any
			if err := json.Unmarshal(raw, &evt); err == nil && evt["type"] == typ {
				return evt
			}
		}
		t.Fatalf("no %s event in %s", typ, snap.Logs)
		return nil
	}
	if evt := find("index"); evt["count"] != float64(2) || evt["message"] != "Index updated: 2 symbols" {
		t.Fatalf("unexpected index event %v", evt)
	}
	if evt := find("retrieve"); evt["count"] != float64(1) {
		t.Fatalf("unexpected retrieve event %v", evt)
	}
	plan, _ := find("plan")["plan"].(map[string]any)
	if plan["target"] != "validate.go" {
		t.Fatalf("plan should target the matching file, got %v", plan)
	}
}

func TestGetAndStopNotFound(t *testing.T) {
	h := testHandler(t, 0)
	if w := do(t, h, http.MethodGet, "/tasks/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/tasks/nope/stop", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/tasks/nope/events", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStopJob(t *testing.T) {
	h := testHandler(t, 50*time.Millisecond)
	id := submit(t, h, `{"instruction":"slow job"}`)

	w := do(t, h, http.MethodPost, "/tasks/"+string(id)+"/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp stopResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || !resp.OK || !resp.Stopped {
		t.Fatalf("unexpected stop response: %+v %v", resp, err)
	}

	snap := waitStatus(t, h, id, jobStopped)
	if last := snap.Logs[len(snap.Logs)-1]; frameType(last) != "stopped" {
		t.Fatalf("expected trailing stopped event, got %s", last)
	}

	// Stopping a finished job is accepted and does nothing.
	w = do(t, h, http.MethodPost, "/tasks/"+string(id)+"/stop", "")
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if w.Code != http.StatusOK || resp.Stopped {
		t.Fatalf("unexpected second stop: %d %+v", w.Code, resp)
	}
}

func TestListJobs(t *testing.T) {
	h := testHandler(t, 0)
	submit(t, h, `{"instruction":"one"}`)
	submit(t, h, `{"instruction":"two"}`)

	w := do(t, h, http.MethodGet, "/tasks/", "")
	var resp listResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(resp.Jobs))
	}
}

func TestWebSocketStreamsBacklogThenCloses(t *testing.T) {
	h := testHandler(t, 0)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	id := submit(t, h, `{"instruction":"fix"}`)
	snap := waitStatus(t, h, id, jobDone)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tasks/" + string(id) + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var got []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal close, got %v", err)
			}
			break
		}
		got = append(got, string(data))
	}
	if len(got) != len(snap.Logs) {
		t.Fatalf("expected %d frames, got %d", len(snap.Logs), len(got))
	}
	for i := range got {
		if got[i] != string(snap.Logs[i]) {
			t.Fatalf("frame %d differs: %s vs %s", i, got[i], snap.Logs[i])
		}
	}
}

func TestWebSocketUnknownJob(t *testing.T) {
	h := testHandler(t, 0)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tasks/missing/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, closeNotFound) {
		t.Fatalf("expected close %d, got %v", closeNotFound, err)
	}
}

type collectSink struct {
	mu     sync.Mutex
	frames []string
	closed chan error
}

func (s *collectSink) Frame(raw string) {
	s.mu.Lock()
	s.frames = append(s.frames, raw)
	s.mu.Unlock()
}

func (s *collectSink) Closed(err error) { s.closed <- err }

func TestTransportsAgreeWithSnapshot(t *testing.T) {
	h := testHandler(t, time.Millisecond)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	dialers := map[string]transport.Dialer{
		"websocket": transport.NewWebSocket(srv.URL, quietLogger()),
		"sse":       transport.NewSSE(srv.URL, quietLogger()),
	}
	for name, d := range dialers {
		t.Run(name, func(t *testing.T) {
			id := submit(t, h, `{"instruction":"live"}`)
			sink := &collectSink{closed: make(chan error, 1)}
			handle := d.Open(context.Background(), id, sink)
			defer handle.Close()

			select {
			case err := <-sink.closed:
				if err != nil {
					t.Fatalf("stream error: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("stream did not close")
			}
			snap := waitStatus(t, h, id, jobDone)
			sink.mu.Lock()
			defer sink.mu.Unlock()
			if len(sink.frames) != len(snap.Logs) {
				t.Fatalf("expected %d frames, got %d", len(snap.Logs), len(sink.frames))
			}
			for i := range sink.frames {
				if sink.frames[i] != string(snap.Logs[i]) {
					t.Fatalf("frame %d differs", i)
				}
			}
		})
	}
}
