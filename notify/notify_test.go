package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/model"
)

func TestNotificationText(t *testing.T) {
	n := Notification{Title: "stream lost", Message: "job abc", Err: model.ErrTransportLoss}
	want := "stream lost: job abc (job stream disconnected)"
	if got := n.Text(); got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestLogNotifierWritesLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(&buf, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	n := NewLog(logger)
	if err := n.Notify(context.Background(), Notification{Level: LevelWarn, JobID: "j1", Title: "job disconnected"}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "job disconnected") || !strings.Contains(out, "j1") {
		t.Fatalf("unexpected log output: %s", out)
	}
}

func TestSlackPostsWebhook(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSlack(srv.URL)
	err := s.Notify(context.Background(), Notification{
		Level: LevelError, JobID: "j9", Title: "submission failed", Err: errors.New("boom"),
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	text, _ := payload["text"].(string)
	if !strings.Contains(text, "submission failed") || !strings.Contains(text, "boom") {
		t.Fatalf("unexpected text: %q", text)
	}
	if _, ok := payload["blocks"]; !ok {
		t.Fatalf("expected blocks in payload: %v", payload)
	}
}

func TestSlackReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	if err := NewSlack(srv.URL).Notify(context.Background(), Notification{Title: "x"}); err == nil {
		t.Fatal("expected error from failing webhook")
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	var calls int
	ok := Func(func(context.Context, Notification) error { calls++; return nil })
	bad := Func(func(context.Context, Notification) error { calls++; return errors.New("down") })

	err := Multi{ok, nil, bad, ok}.Notify(context.Background(), Notification{Title: "x"})
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("expected joined error, got %v", err)
	}
}
