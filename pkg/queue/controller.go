// Package queue admits builds under a reloadable concurrency limit and
// routes cancellations to the container serving a build.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aurcache/aurcache/pkg/db"
	"github.com/aurcache/aurcache/pkg/engine"
	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/metrics"
	"github.com/aurcache/aurcache/pkg/runner"
)

// Builder runs one build to completion.
type Builder interface {
	Run(ctx context.Context, pkg *db.Package, build *db.Build) (*runner.Outcome, error)
}

// Limiter supplies the current concurrency limit.
type Limiter interface {
	MaxConcurrentBuilds() int
}

type buildMsg struct {
	pkg   *db.Package
	build *db.Build
}

type cancelMsg struct {
	buildID int64
	reply   chan error
}

// Controller is the single consumer of build and cancel messages.
type Controller struct {
	builder  Builder
	engine   engine.Engine
	repo     *db.Repository
	inflight *Inflight
	limits   Limiter
	recorder metrics.Recorder

	sem     *Semaphore
	msgs    chan any
	refresh time.Duration
	wg      sync.WaitGroup
	active  atomic.Int64
}

// NewController creates a controller. The limit is read from limits on
// every loop iteration.
func NewController(
	builder Builder,
	eng engine.Engine,
	repository *db.Repository,
	inflight *Inflight,
	limits Limiter,
	recorder metrics.Recorder,
) *Controller {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Controller{
		builder:  builder,
		engine:   eng,
		repo:     repository,
		inflight: inflight,
		limits:   limits,
		recorder: recorder,
		sem:      NewSemaphore(limit(limits)),
		msgs:     make(chan any),
		refresh:  time.Second,
	}
}

func limit(l Limiter) int {
	if n := l.MaxConcurrentBuilds(); n > 0 {
		return n
	}
	return 1
}

// Run consumes messages until ctx is done, then waits for admitted builds.
func (c *Controller) Run(ctx context.Context) error {
	slog.Info("controller_started", "max_concurrent_builds", limit(c.limits))
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	for {
		n := limit(c.limits)
		c.sem.SetLimit(n)
		c.recorder.SetConcurrencyLimit(n)

		select {
		case <-ctx.Done():
			slog.Info("controller_stopping", "active_builds", c.active.Load())
			c.wg.Wait()
			return nil
		case <-ticker.C:
		case m := <-c.msgs:
			switch m := m.(type) {
			case buildMsg:
				c.admit(ctx, m)
			case cancelMsg:
				go func() { m.reply <- c.cancel(ctx, m.buildID) }()
			}
		}
	}
}

// Submit hands a build to the loop. It returns once the loop accepted it.
func (c *Controller) Submit(ctx context.Context, pkg *db.Package, build *db.Build) error {
	// counted before the loop sees it so Wait cannot miss the build
	c.wg.Add(1)
	select {
	case c.msgs <- buildMsg{pkg: pkg, build: build}:
		return nil
	case <-ctx.Done():
		c.wg.Done()
		return ctx.Err()
	}
}

// SubmitID loads an enqueued build and its package and submits them.
func (c *Controller) SubmitID(ctx context.Context, buildID int64) error {
	b, err := c.repo.GetBuild(ctx, buildID)
	if err != nil {
		return errors.Wrap(err, "failed to load build")
	}
	if b == nil {
		return errors.Wrap(errors.ErrNotFound, "build")
	}
	if b.Status != db.BuildEnqueued {
		return errors.Errorf(errors.KindInvalid, "submit", "build %d is %s, not %s", b.ID, b.Status, db.BuildEnqueued)
	}
	p, err := c.repo.GetPackage(ctx, b.PackageID)
	if err != nil {
		return errors.Wrap(err, "failed to load package")
	}
	if p == nil {
		return errors.Wrap(errors.ErrNotFound, "package")
	}
	return c.Submit(ctx, p, b)
}

// Cancel force-removes the container of a running build and marks it
// cancelled. Builds that are not running yield errors.ErrNotRunning.
func (c *Controller) Cancel(ctx context.Context, buildID int64) error {
	reply := make(chan error, 1)
	select {
	case c.msgs <- cancelMsg{buildID: buildID, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every admitted build has finished.
func (c *Controller) Wait() { c.wg.Wait() }

// Active reports builds holding a permit.
func (c *Controller) Active() int { return int(c.active.Load()) }

func (c *Controller) admit(ctx context.Context, m buildMsg) {
	go func() {
		defer c.wg.Done()

		if err := c.sem.Acquire(ctx); err != nil {
			slog.Warn("build_admission_aborted", "build_id", m.build.ID, "error", err)
			return
		}
		defer c.sem.Release()

		c.recorder.SetActiveBuilds(int(c.active.Add(1)))
		defer func() { c.recorder.SetActiveBuilds(int(c.active.Add(-1))) }()

		out, err := c.builder.Run(ctx, m.pkg, m.build)
		if err != nil {
			slog.Error("build_run_failed", "build_id", m.build.ID, "package", m.pkg.Name, "error", err)
			return
		}
		if out.ReconcileErr != nil {
			slog.Error("build_unpublished", "build_id", m.build.ID, "package", m.pkg.Name, "error", out.ReconcileErr)
		}
		slog.Info("build_completed", "build_id", m.build.ID, "package", m.pkg.Name, "status", out.Status)
	}()
}

func (c *Controller) cancel(ctx context.Context, buildID int64) error {
	containerID, done, ok := c.inflight.BeginCancel(buildID)
	if !ok {
		slog.Warn("cancel_not_running", "build_id", buildID)
		return errors.ErrNotRunning
	}
	defer done()

	if err := c.engine.RemoveContainer(ctx, containerID); err != nil {
		slog.Error("cancel_remove_failed", "build_id", buildID, "container_id", containerID, "error", err)
	}
	if err := c.repo.CancelBuild(ctx, buildID, time.Now()); err != nil {
		return errors.Wrap(err, "failed to mark build cancelled")
	}
	slog.Info("build_cancelled", "build_id", buildID, "container_id", containerID)
	return nil
}

var _ runner.Tracker = (*Inflight)(nil)
