// End-to-end tests for the aicoder client stack.
//
// These tests exercise the full stack:
//   - Real fake backend (chi router, websocket upgrader, SSE) over httptest
//   - Real backend client and stream transports
//   - Real controller, codec and reducer
//   - Real SQLite journal (WAL mode, temp dir)
//
// Only the notifier is replaced, to record alerts.
//
// Does NOT require network access beyond loopback.
package aicoder_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder"
	"github.com/jxucoder/aicoder/httpapi"
	"github.com/jxucoder/aicoder/internal/config"
	"github.com/jxucoder/aicoder/model"
	"github.com/jxucoder/aicoder/notify"
)

type recordedAlerts struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordedAlerts) notifier() notify.Notifier {
	return notify.Func(func(_ context.Context, n notify.Notification) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.titles = append(r.titles, n.Title)
		return nil
	})
}

func (r *recordedAlerts) has(title string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.titles {
		if t == title {
			return true
		}
	}
	return false
}

type e2eHarness struct {
	app    *aicoder.App
	alerts *recordedAlerts
}

func quietLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.ErrorLevel})
}

func setupE2E(t *testing.T, transport string, stepDelay time.Duration) *e2eHarness {
	t.Helper()

	h := httpapi.New(httpapi.Options{StepDelay: stepDelay, CloseOnDone: true, Logger: quietLogger()})
	srv := httptest.NewServer(h.Router())
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})

	cfg := config.Default()
	cfg.Server = srv.URL
	cfg.Transport = transport
	cfg.DataDir = t.TempDir()
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "aicoder.db")

	alerts := &recordedAlerts{}
	app, err := aicoder.NewBuilder().
		WithConfig(&cfg).
		WithNotifier(alerts.notifier()).
		WithLogger(quietLogger()).
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return &e2eHarness{app: app, alerts: alerts}
}

func (h *e2eHarness) wait(t *testing.T) model.JobState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.app.Controller().Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return h.app.Controller().Snapshot()
}

func TestE2E_JobFullLifecycle(t *testing.T) {
	for _, transport := range []string{"websocket", "sse"} {
		t.Run(transport, func(t *testing.T) {
			h := setupE2E(t, transport, 0)
			ctx := context.Background()

			id, err := h.app.Controller().Run(ctx, model.JobRequest{
				RepoPath:    "/src/app",
				Instruction: "add input validation",
				MaxIters:    3,
			})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			state := h.wait(t)

			// --- Live state ---
			if state.JobID != id {
				t.Fatalf("state for %s, want %s", state.JobID, id)
			}
			if state.Status != model.StatusDisconnected {
				t.Fatalf("expected disconnected after server close, got %s", state.Status)
			}
			if n := len(state.Timeline); n == 0 || state.Timeline[n-1].Kind != "done" {
				t.Fatalf("expected timeline ending in done, got %+v", state.Timeline)
			}
			if state.Cost != (model.Cost{Calls: 4, Tokens: 2550}) {
				t.Fatalf("unexpected cost %+v", state.Cost)
			}
			if len(state.Console) != 5 {
				t.Fatalf("expected 5 console lines, got %d: %q", len(state.Console), state.Console)
			}
			if state.PendingDiff == nil || !strings.Contains(state.PendingDiff.After, "attempt 2") {
				t.Fatalf("expected second iteration's diff, got %+v", state.PendingDiff)
			}
			if !h.alerts.has("job disconnected") {
				t.Fatal("expected a disconnect alert")
			}

			// --- Backend view ---
			remote, status, err := h.app.Status(ctx, id)
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if status != "done" {
				t.Fatalf("backend status %q, want done", status)
			}
			if remote.Applied != state.Applied {
				t.Fatalf("backend log folds to %d events, live state has %d", remote.Applied, state.Applied)
			}

			// --- Journal ---
			jobs, err := h.app.History(10)
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(jobs) != 1 || jobs[0].ID != id || jobs[0].Status != model.StatusDisconnected {
				t.Fatalf("unexpected history %+v", jobs)
			}
			if jobs[0].Tokens != 2550 {
				t.Fatalf("journal tokens %d, want 2550", jobs[0].Tokens)
			}
			replayed, err := h.app.Replay(id)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if !reflect.DeepEqual(replayed, state) {
				t.Fatalf("replayed state differs from live state:\nreplay: %+v\nlive:   %+v", replayed, state)
			}
		})
	}
}

func TestE2E_StopMidJob(t *testing.T) {
	h := setupE2E(t, "websocket", 100*time.Millisecond)
	ctx := context.Background()
	ctl := h.app.Controller()

	id, err := ctl.Run(ctx, model.JobRequest{Instruction: "slow job"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for ctl.Snapshot().Applied == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no events arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !ctl.Stop(ctx) {
		t.Fatal("expected Stop to stop the running job")
	}
	applied := ctl.Snapshot().Applied
	if got := ctl.Snapshot().Status; got != model.StatusStopped {
		t.Fatalf("status %s, want stopped", got)
	}

	// The backend hears about the stop in the background.
	for {
		_, status, err := h.app.Status(ctx, id)
		if err == nil && status == "stopped" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backend never stopped (status %q, err %v)", status, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if got := ctl.Snapshot().Applied; got != applied {
		t.Fatalf("events applied after stop: %d -> %d", applied, got)
	}
	if h.alerts.has("job disconnected") {
		t.Fatal("stop must not be reported as a disconnect")
	}
	for !h.alerts.has("job stopped") {
		if time.Now().After(deadline) {
			t.Fatal("expected a stop alert")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestE2E_SubmissionRejected(t *testing.T) {
	h := setupE2E(t, "websocket", 0)
	ctl := h.app.Controller()

	_, err := ctl.Run(context.Background(), model.JobRequest{Instruction: strings.Repeat("x", 10001)})
	if !errors.Is(err, model.ErrSubmission) {
		t.Fatalf("expected submission error, got %v", err)
	}
	if got := ctl.Snapshot().Status; got != model.StatusIdle {
		t.Fatalf("status %s, want idle after rejected submission", got)
	}
	if !h.alerts.has("job submission failed") {
		t.Fatal("expected a submission alert")
	}
	jobs, err := h.app.History(-1)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("rejected job must not be journaled: %v %v", jobs, err)
	}
}

func TestE2E_StopUnknownJob(t *testing.T) {
	h := setupE2E(t, "websocket", 0)
	if err := h.app.StopJob(context.Background(), "no-such-job"); err == nil {
		t.Fatal("expected error stopping unknown job")
	}
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Transport = "carrier-pigeon"
	if _, err := aicoder.NewBuilder().WithConfig(&cfg).WithoutJournal().Build(); err == nil {
		t.Fatal("expected invalid transport to fail the build")
	}
}
