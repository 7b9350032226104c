// Package engine owns the active job: it submits, opens the stream, folds
// events into state and handles stop and transport loss.
// It depends only on interfaces (backend, transport, journal, notifier).
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/codec"
	"github.com/jxucoder/aicoder/eventbus"
	"github.com/jxucoder/aicoder/model"
	"github.com/jxucoder/aicoder/notify"
	"github.com/jxucoder/aicoder/reducer"
	"github.com/jxucoder/aicoder/transport"
)

// Backend is the part of the execution service the controller needs.
type Backend interface {
	Submit(ctx context.Context, req model.JobRequest) (model.JobID, error)
	Stop(ctx context.Context, id model.JobID) error
}

// Journal records jobs and the frames applied to them.
type Journal interface {
	CreateJob(job *model.Job) error
	UpdateJob(job *model.Job) error
	AddFrame(jobID model.JobID, data string) (*model.Frame, error)
}

// Config holds engine-specific configuration.
type Config struct {
	// StopTimeout bounds the background backend stop call.
	StopTimeout time.Duration
	// MaxIters is used when a request leaves it unset.
	MaxIters int
}

// run is one submitted job's stream and reducer loop.
type run struct {
	id     model.JobID
	job    model.Job
	box    *mailbox
	handle transport.Handle
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller drives one job at a time.
type Controller struct {
	config   Config
	backend  Backend
	dialer   transport.Dialer
	bus      *eventbus.Bus
	notifier notify.Notifier
	journal  Journal
	log      pslog.Logger

	runMu sync.Mutex // serialises Run, Reset and Close

	mu     sync.Mutex
	state  model.JobState
	cur    *run
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Controller. bus, notifier, journal and logger may be nil.
func New(
	cfg Config,
	be Backend,
	dialer transport.Dialer,
	bus *eventbus.Bus,
	notifier notify.Notifier,
	journal Journal,
	logger pslog.Logger,
) *Controller {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if bus == nil {
		bus = eventbus.New(logger)
	}
	if notifier == nil {
		notifier = notify.NewLog(logger)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		config:   cfg,
		backend:  be,
		dialer:   dialer,
		bus:      bus,
		notifier: notifier,
		journal:  journal,
		log:      logger,
		state:    model.JobState{Status: model.StatusIdle},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Bus returns the notice bus.
func (c *Controller) Bus() *eventbus.Bus { return c.bus }

// Subscribe returns a channel of notices for every job and its cancel func.
func (c *Controller) Subscribe() (<-chan eventbus.Notice, func()) {
	return c.bus.Subscribe(eventbus.All)
}

// Snapshot returns a deep copy of the current state.
func (c *Controller) Snapshot() model.JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Run submits a job and starts streaming it. A running job is stopped
// first. On submission failure the state is left as it was.
func (c *Controller) Run(ctx context.Context, req model.JobRequest) (model.JobID, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", errors.New("controller closed")
	}

	c.Stop(ctx)

	if req.MaxIters <= 0 {
		req.MaxIters = c.config.MaxIters
	}
	id, err := c.backend.Submit(ctx, req)
	if err == nil && id == "" {
		err = model.ErrNoJobID
	}
	if err != nil {
		var se *model.SubmissionError
		if !errors.As(err, &se) {
			err = &model.SubmissionError{Err: err}
		}
		c.alert(ctx, notify.Notification{
			Level: notify.LevelError,
			Title: "job submission failed",
			Err:   err,
		})
		return "", err
	}

	now := time.Now().UTC()
	rctx, cancel := context.WithCancel(c.ctx)
	r := &run{
		id: id,
		job: model.Job{
			ID:          id,
			RepoPath:    req.RepoPath,
			Instruction: req.Instruction,
			MaxIters:    req.MaxIters,
			UseTeacher:  req.UseTeacher,
			Status:      model.StatusRunning,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		box:    newMailbox(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// The job row must exist before the loop journals its first frame.
	if c.journal != nil {
		job := r.job
		if err := c.journal.CreateJob(&job); err != nil {
			c.log.Warn("journal create failed", "job", id, "err", err)
		}
	}

	c.mu.Lock()
	c.cur = r
	c.state = model.NewJobState(id)
	r.handle = c.dialer.Open(rctx, id, r.box)
	c.wg.Add(1)
	go c.loop(rctx, r)
	c.mu.Unlock()

	c.log.Info("job started", "job", id, "repo", req.RepoPath, "max_iters", req.MaxIters)
	c.publishStatus(id, model.StatusRunning, 0)
	return id, nil
}

// Stop cancels the running job. The stream is closed before Stop returns;
// the backend and the notifier are told in the background and their
// failures are only logged.
// It reports whether a job was stopped.
func (c *Controller) Stop(ctx context.Context) bool {
	c.mu.Lock()
	r := c.cur
	if r == nil || c.state.Status != model.StatusRunning {
		c.mu.Unlock()
		return false
	}
	c.state.Status = model.StatusStopped
	cost := c.state.Cost
	applied := c.state.Applied
	handle := r.handle
	c.mu.Unlock()

	// Frames racing the close are dropped by apply: the run is no longer running.
	_ = handle.Close()
	r.cancel()

	c.log.Info("job stopped", "job", r.id, "applied", applied)
	c.recordStatus(r, model.StatusStopped, cost)
	c.publishStatus(r.id, model.StatusStopped, applied)
	c.alertAsync(ctx, notify.Notification{
		Level: notify.LevelInfo,
		JobID: r.id,
		Title: "job stopped",
	})

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.StopTimeout)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := c.backend.Stop(stopCtx, r.id); err != nil {
			if !errors.Is(err, model.ErrStopNotification) {
				err = fmt.Errorf("%w: %w", model.ErrStopNotification, err)
			}
			c.log.Warn("backend stop failed", "job", r.id, "err", err)
		}
	}()
	return true
}

// Reset stops any running job and installs an empty idle state.
func (c *Controller) Reset(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.Stop(ctx)
	c.mu.Lock()
	c.cur = nil
	c.state = model.JobState{Status: model.StatusIdle}
	c.mu.Unlock()
	c.publishStatus("", model.StatusIdle, 0)
}

// ResolveDiff clears the pending diff and returns it. accept only affects
// logging; applying the diff is up to the caller.
func (c *Controller) ResolveDiff(accept bool) (*model.DiffProposal, bool) {
	c.mu.Lock()
	d := c.state.PendingDiff
	c.state.PendingDiff = nil
	id := c.state.JobID
	applied := c.state.Applied
	c.mu.Unlock()
	if d == nil {
		return nil, false
	}
	c.log.Info("diff resolved", "job", id, "accepted", accept)
	c.bus.Publish(eventbus.Notice{Type: eventbus.NoticeState, JobID: id, Applied: applied})
	out := *d
	return &out, true
}

// Wait blocks until the current run's reducer loop exits or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return model.ErrNoActiveJob
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the active job and waits for background goroutines.
func (c *Controller) Close() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Stop(context.Background())
	c.wg.Wait()
	c.cancel()
	return nil
}

// loop is the run's only reducer: frames are applied in delivery order.
func (c *Controller) loop(ctx context.Context, r *run) {
	defer c.wg.Done()
	defer close(r.done)

	log := c.log.With("job", r.id)
	for {
		it, ok := r.box.pop(ctx)
		if !ok {
			return
		}
		if it.closed {
			c.onDisconnect(ctx, r, it.err)
			return
		}
		ev, ok := codec.Decode(it.raw)
		if !ok {
			log.Debug("frame dropped", "frame", model.Truncate(it.raw, 120))
			continue
		}
		if !c.apply(r, ev) {
			return
		}
		if c.journal != nil {
			if _, err := c.journal.AddFrame(r.id, it.raw); err != nil {
				log.Warn("journal frame failed", "err", err)
			}
		}
	}
}

// apply reduces ev if r is still the installed, running job.
func (c *Controller) apply(r *run, ev model.Event) bool {
	c.mu.Lock()
	if c.cur != r || c.state.Status != model.StatusRunning {
		c.mu.Unlock()
		return false
	}
	prev := c.state.PendingDiff
	c.state = reducer.Reduce(c.state, ev)
	applied := c.state.Applied
	c.mu.Unlock()

	if prev != nil && ev.EventKind() == model.KindDiff {
		c.log.Debug("pending diff superseded", "job", r.id, "after", model.Truncate(prev.After, 80))
		c.bus.Publish(eventbus.Notice{
			Type:    eventbus.NoticeDiffSuperseded,
			JobID:   r.id,
			Applied: applied,
			Message: "pending diff replaced by a newer proposal",
		})
	}
	c.bus.Publish(eventbus.Notice{
		Type:    eventbus.NoticeState,
		JobID:   r.id,
		Status:  model.StatusRunning,
		Applied: applied,
	})
	return true
}

// onDisconnect handles the transport's closure signal. It is silent unless
// the job was still running.
func (c *Controller) onDisconnect(ctx context.Context, r *run, cause error) {
	c.mu.Lock()
	if c.cur != r || c.state.Status != model.StatusRunning {
		c.mu.Unlock()
		return
	}
	c.state.Status = model.StatusDisconnected
	cost := c.state.Cost
	applied := c.state.Applied
	handle := r.handle
	c.mu.Unlock()

	_ = handle.Close()
	r.cancel()

	err := model.ErrTransportLoss
	msg := "stream closed by server"
	if cause != nil {
		err = fmt.Errorf("%w: %w", model.ErrTransportLoss, cause)
		msg = "stream failed"
	}
	c.log.Warn("job disconnected", "job", r.id, "applied", applied, "err", cause)
	c.recordStatus(r, model.StatusDisconnected, cost)
	c.publishStatus(r.id, model.StatusDisconnected, applied)
	c.alert(context.WithoutCancel(ctx), notify.Notification{
		Level:   notify.LevelWarn,
		JobID:   r.id,
		Title:   "job disconnected",
		Message: msg,
		Err:     err,
	})
}

func (c *Controller) recordStatus(r *run, status model.Status, cost model.Cost) {
	if c.journal == nil {
		return
	}
	job := r.job
	job.Status = status
	job.Calls = cost.Calls
	job.Tokens = cost.Tokens
	job.UpdatedAt = time.Now().UTC()
	if err := c.journal.UpdateJob(&job); err != nil {
		c.log.Warn("journal update failed", "job", r.id, "err", err)
	}
}

func (c *Controller) publishStatus(id model.JobID, status model.Status, applied int) {
	c.bus.Publish(eventbus.Notice{
		Type:    eventbus.NoticeStatus,
		JobID:   id,
		Status:  status,
		Applied: applied,
	})
}

// alert raises a notification. Notifier failures are logged and otherwise
// ignored.
func (c *Controller) alert(ctx context.Context, n notify.Notification) {
	c.publishAlert(n)
	c.send(ctx, n)
}

// alertAsync publishes the alert notice at once and hands the notification
// to the notifier in the background.
func (c *Controller) alertAsync(ctx context.Context, n notify.Notification) {
	c.publishAlert(n)
	ctx = context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.send(ctx, n)
	}()
}

func (c *Controller) publishAlert(n notify.Notification) {
	c.bus.Publish(eventbus.Notice{
		Type:    eventbus.NoticeAlert,
		JobID:   n.JobID,
		Message: n.Text(),
	})
}

func (c *Controller) send(ctx context.Context, n notify.Notification) {
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.log.Warn("notification failed", "title", n.Title, "err", err)
	}
}
