// Package aicoder is the top-level entry point for the aicoder client.
//
// Use the Builder to compose an App from configuration:
//
//	app, err := aicoder.NewBuilder().WithConfig(cfg).Build()
//	defer app.Close()
//	id, err := app.Controller().Run(ctx, req)
//
// Or replace any component:
//
//	app, err := aicoder.NewBuilder().
//	    WithBackend(myBackend).
//	    WithDialer(myDialer).
//	    WithJournal(myJournal).
//	    Build()
package aicoder

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"github.com/jxucoder/aicoder/backend"
	"github.com/jxucoder/aicoder/codec"
	"github.com/jxucoder/aicoder/engine"
	"github.com/jxucoder/aicoder/eventbus"
	"github.com/jxucoder/aicoder/internal/config"
	"github.com/jxucoder/aicoder/model"
	"github.com/jxucoder/aicoder/notify"
	"github.com/jxucoder/aicoder/reducer"
	"github.com/jxucoder/aicoder/transport"
)

// Backend is the execution service as the App uses it.
type Backend interface {
	engine.Backend
	Job(ctx context.Context, id model.JobID) (*backend.Snapshot, error)
}

// Journal is the local record of submitted jobs and their applied frames.
type Journal interface {
	engine.Journal
	GetJob(id model.JobID) (*model.Job, error)
	ListJobs(limit int) ([]*model.Job, error)
	GetFrames(jobID model.JobID, afterID int64) ([]*model.Frame, error)
	Close() error
}

// Builder constructs an App.
type Builder struct {
	config   *config.Config
	backend  Backend
	dialer   transport.Dialer
	bus      *eventbus.Bus
	notifier notify.Notifier
	journal  Journal
	logger   pslog.Logger

	noJournal bool
}

// NewBuilder creates a new Builder with sensible defaults.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithConfig sets the application configuration.
func (b *Builder) WithConfig(cfg *config.Config) *Builder {
	b.config = cfg
	return b
}

// WithBackend sets the execution service client.
func (b *Builder) WithBackend(be Backend) *Builder {
	b.backend = be
	return b
}

// WithDialer sets the stream transport.
func (b *Builder) WithDialer(d transport.Dialer) *Builder {
	b.dialer = d
	return b
}

// WithBus sets the notice bus.
func (b *Builder) WithBus(bus *eventbus.Bus) *Builder {
	b.bus = bus
	return b
}

// WithNotifier sets where alerts are sent.
func (b *Builder) WithNotifier(n notify.Notifier) *Builder {
	b.notifier = n
	return b
}

// WithJournal sets the job journal implementation.
func (b *Builder) WithJournal(j Journal) *Builder {
	b.journal = j
	return b
}

// WithoutJournal disables the journal entirely.
func (b *Builder) WithoutJournal() *Builder {
	b.noJournal = true
	return b
}

// WithLogger sets the logger shared by every component.
func (b *Builder) WithLogger(l pslog.Logger) *Builder {
	b.logger = l
	return b
}

// Build creates the App. Missing components are filled with defaults.
func (b *Builder) Build() (*App, error) {
	if err := applyDefaults(b); err != nil {
		return nil, err
	}

	var journal engine.Journal
	if b.journal != nil {
		journal = b.journal
	}
	ctl := engine.New(
		engine.Config{
			StopTimeout: b.config.StopTimeout(),
			MaxIters:    b.config.Job.MaxIters,
		},
		b.backend,
		b.dialer,
		b.bus,
		b.notifier,
		journal,
		b.logger,
	)

	return &App{
		config:     b.config,
		backend:    b.backend,
		journal:    b.journal,
		controller: ctl,
	}, nil
}

// App is a configured aicoder client.
type App struct {
	config     *config.Config
	backend    Backend
	journal    Journal
	controller *engine.Controller
}

// Config returns the effective configuration.
func (a *App) Config() *config.Config { return a.config }

// Controller returns the job controller.
func (a *App) Controller() *engine.Controller { return a.controller }

// Backend returns the execution service client.
func (a *App) Backend() Backend { return a.backend }

// Journal returns the job journal, or nil when disabled.
func (a *App) Journal() Journal { return a.journal }

// ErrNoJournal is returned by journal operations when the journal is disabled.
var ErrNoJournal = errors.New("job journal is disabled")

// Status fetches the backend's record of a job and folds its event log into
// a JobState. The returned status string is the backend's own.
func (a *App) Status(ctx context.Context, id model.JobID) (model.JobState, string, error) {
	snap, err := a.backend.Job(ctx, id)
	if err != nil {
		return model.JobState{}, "", fmt.Errorf("fetching job %s: %w", id, err)
	}
	state := reducer.Fold(model.JobState{JobID: id, Status: model.StatusIdle}, codec.DecodeAll(snap.Frames())...)
	return state, snap.Status, nil
}

// StopJob asks the backend to stop a job this process is not streaming, and
// marks it stopped in the journal if it is recorded there as running.
func (a *App) StopJob(ctx context.Context, id model.JobID) error {
	if err := a.backend.Stop(ctx, id); err != nil {
		return err
	}
	if a.journal == nil {
		return nil
	}
	job, err := a.journal.GetJob(id)
	if err != nil || job.Status != model.StatusRunning {
		return nil
	}
	job.Status = model.StatusStopped
	return a.journal.UpdateJob(job)
}

// History lists journaled jobs, newest first.
func (a *App) History(limit int) ([]*model.Job, error) {
	if a.journal == nil {
		return nil, ErrNoJournal
	}
	return a.journal.ListJobs(limit)
}

// Replay rebuilds a journaled job's final state by folding its recorded
// frames in order.
func (a *App) Replay(id model.JobID) (model.JobState, error) {
	if a.journal == nil {
		return model.JobState{}, ErrNoJournal
	}
	job, err := a.journal.GetJob(id)
	if err != nil {
		return model.JobState{}, err
	}
	frames, err := a.journal.GetFrames(id, 0)
	if err != nil {
		return model.JobState{}, err
	}
	raw := make([]string, len(frames))
	for i, f := range frames {
		raw[i] = f.Data
	}
	state := reducer.Fold(model.JobState{JobID: id}, codec.DecodeAll(raw)...)
	state.Status = job.Status
	return state, nil
}

// Close stops the active job, waits for background work and closes the
// journal.
func (a *App) Close() error {
	err := a.controller.Close()
	if a.journal != nil {
		err = errors.Join(err, a.journal.Close())
	}
	return err
}
