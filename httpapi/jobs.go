package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/model"
	"github.com/jxucoder/aicoder/symbols"
)

// Backend-side job statuses.
const (
	jobRunning = "running"
	jobDone    = "done"
	jobError   = "error"
	jobStopped = "stopped"
)

// job is one scripted run. Its event log only grows; followers read it by
// index and wait on changed for more.
type job struct {
	id        model.JobID
	req       model.JobRequest
	createdAt time.Time

	mu       sync.Mutex
	status   string
	logs     []json.RawMessage
	result   json.RawMessage
	finished bool
	changed  chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

func newJob(req model.JobRequest) *job {
	return &job{
		id:        model.JobID(uuid.NewString()),
		req:       req,
		createdAt: time.Now().UTC(),
		status:    jobRunning,
		changed:   make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

// wakeLocked releases everyone waiting on the current changed channel.
func (j *job) wakeLocked() {
	close(j.changed)
	j.changed = make(chan struct{})
}

func (j *job) emit(evt map[string]any) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		return
	}
	j.logs = append(j.logs, data)
	j.wakeLocked()
}

func (j *job) finish(status string, result map[string]any) {
	data, _ := json.Marshal(result)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		return
	}
	j.status = status
	j.result = data
	j.finished = true
	j.wakeLocked()
}

// since returns the frames from idx on, the channel that closes on the next
// change, and whether the job has finished.
func (j *job) since(idx int) ([]json.RawMessage, <-chan struct{}, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var frames []json.RawMessage
	if idx < len(j.logs) {
		frames = append(frames, j.logs[idx:]...)
	}
	return frames, j.changed, j.finished
}

// requestStop reports whether this call asked a running job to stop.
func (j *job) requestStop() bool {
	j.mu.Lock()
	finished := j.finished
	j.mu.Unlock()
	if finished {
		return false
	}
	asked := false
	j.stopOnce.Do(func() {
		close(j.stop)
		asked = true
	})
	return asked
}

type jobSnapshot struct {
	ID     model.JobID       `json:"id"`
	Status string            `json:"status"`
	Result json.RawMessage   `json:"result"`
	Logs   []json.RawMessage `json:"logs"`
}

func (j *job) snapshot() jobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	result := j.result
	if result == nil {
		result = json.RawMessage("null")
	}
	logs := append([]json.RawMessage{}, j.logs...)
	return jobSnapshot{ID: j.id, Status: j.status, Result: result, Logs: logs}
}

type jobSummary struct {
	ID          model.JobID `json:"id"`
	Status      string      `json:"status"`
	RepoPath    string      `json:"repo_path"`
	Instruction string      `json:"instruction"`
	Events      int         `json:"events"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (j *job) summary() jobSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return jobSummary{
		ID:          j.id,
		Status:      j.status,
		RepoPath:    j.req.RepoPath,
		Instruction: j.req.Instruction,
		Events:      len(j.logs),
		CreatedAt:   j.createdAt,
	}
}

// jobs owns every job and its worker goroutine.
type jobs struct {
	mu    sync.RWMutex
	byID  map[model.JobID]*job
	delay time.Duration
	log   pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newJobs(delay time.Duration, logger pslog.Logger) *jobs {
	ctx, cancel := context.WithCancel(context.Background())
	return &jobs{
		byID:   make(map[model.JobID]*job),
		delay:  delay,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *jobs) create(req model.JobRequest) *job {
	j := newJob(req)
	r.mu.Lock()
	r.byID[j.id] = j
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.work(j)
	}()
	return j
}

func (r *jobs) get(id model.JobID) (*job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.byID[id]
	return j, ok
}

func (r *jobs) list() []jobSummary {
	r.mu.RLock()
	out := make([]jobSummary, 0, len(r.byID))
	for _, j := range r.byID {
		out = append(out, j.summary())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

func (r *jobs) close() {
	r.cancel()
	r.wg.Wait()
}

// work plays the job's script, pausing between steps and honouring stop.
func (r *jobs) work(j *job) {
	log := r.log.With("job", j.id)
	log.Info("fake job started", "repo", j.req.RepoPath, "max_iters", j.req.MaxIters)

	steps := script(j.req, r.index(j.req.RepoPath, log))
	for i, evt := range steps {
		if i > 0 && r.delay > 0 {
			select {
			case <-time.After(r.delay):
			case <-j.stop:
			case <-r.ctx.Done():
			}
		}
		select {
		case <-j.stop:
			j.emit(map[string]any{"type": "stopped", "message": "Stopped by user"})
			j.finish(jobStopped, map[string]any{"ok": false, "error": "stopped"})
			log.Info("fake job stopped", "step", i)
			return
		case <-r.ctx.Done():
			j.finish(jobError, map[string]any{"ok": false, "error": "server shutting down"})
			return
		default:
		}
		j.emit(evt)
	}
	j.finish(jobDone, map[string]any{"ok": true, "iterations": iterations(j.req)})
	log.Info("fake job done", "events", len(steps))
}

func iterations(req model.JobRequest) int {
	if req.MaxIters < 2 {
		return 1
	}
	return 2
}

// retrieveLimit caps the snippets a retrieve step reports.
const retrieveLimit = 8

// index builds a symbol index of repo when it is a local directory. Remote
// or missing paths yield nil and the script falls back to canned numbers.
func (r *jobs) index(repo string, log pslog.Logger) *symbols.Index {
	if repo == "" {
		return nil
	}
	ix, err := symbols.Build(r.ctx, repo)
	if err != nil {
		log.Debug("repo not indexed", "repo", repo, "err", err)
		return nil
	}
	log.Info("repo indexed", "repo", repo, "files", ix.Files(), "symbols", ix.Len())
	return ix
}

// script returns the events of a plan, retrieve, patch and test loop that
// goes green on the second iteration (or the first, if only one is allowed).
// With an index the index, retrieve and plan steps describe the real tree.
func script(req model.JobRequest, ix *symbols.Index) []map[string]any {
	total := req.MaxIters
	green := iterations(req)
	target := "main.go"
	indexed, snippets := 42, 3
	if ix != nil {
		indexed = ix.Len()
		hits := ix.Search(req.Instruction, retrieveLimit)
		snippets = len(hits)
		if len(hits) > 0 {
			target = hits[0].Path
		}
	}

	steps := []map[string]any{
		{"type": "index", "message": fmt.Sprintf("Index updated: %d symbols", indexed), "count": indexed},
	}
	var calls, tokens int
	for it := 1; it <= green; it++ {
		calls += 2
		tokens += 850 * it
		before := fmt.Sprintf("func handler() {\n\t// attempt %d\n}\n", it-1)
		after := fmt.Sprintf("func handler() {\n\t// attempt %d\n\tvalidate()\n}\n", it)
		ok := it == green
		testOut := "--- FAIL: TestHandler (0.00s)"
		testErr := "handler_test.go:12: expected validation"
		code := 1
		if ok {
			testOut, testErr, code = "ok  \tapp\t0.012s", "", 0
		}
		steps = append(steps,
			map[string]any{"type": "iter", "message": fmt.Sprintf("--- Iteration %d/%d ---", it, total)},
			map[string]any{
				"type":    "plan",
				"message": fmt.Sprintf("Plan: edit %s", target),
				"plan":    map[string]any{"action": "edit", "target": target, "notes": req.Instruction},
			},
			map[string]any{
				"type":    "retrieve",
				"message": fmt.Sprintf("Retrieved %d snippets for query '%s'.", snippets, model.Truncate(req.Instruction, 40)),
				"count":   snippets,
			},
			map[string]any{"type": "log", "stdout": "applying patch to " + target},
			map[string]any{
				"type":    "patch",
				"message": "Patch applied: True",
				"before":  before,
				"after":   after,
			},
			map[string]any{"type": "cost", "calls": calls, "tokens": tokens},
			map[string]any{
				"type":    "test",
				"message": fmt.Sprintf("Test exit code %d, ok=%t", code, ok),
				"stdout":  testOut,
				"stderr":  testErr,
			},
		)
	}
	return append(steps, map[string]any{"type": "done", "message": "Green build!"})
}
