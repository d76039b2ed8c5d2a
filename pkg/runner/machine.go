// Package runner executes one build in a container as a superfly/fsm
// workflow: prepare, pull, create, run, finalize. Build failures are
// recorded on the response and carried to finalize so every started
// build reaches a terminal status.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/superfly/fsm"

	"github.com/aurcache/aurcache/pkg/db"
	"github.com/aurcache/aurcache/pkg/engine"
	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/metrics"
	"github.com/aurcache/aurcache/pkg/repo"
	"github.com/aurcache/aurcache/pkg/security"
	"github.com/aurcache/aurcache/pkg/source"
)

// Deployment modes decide how the mirrorlist reaches build containers.
const (
	DeploymentHost      = "host"
	DeploymentContainer = "container"
)

// Settings are read at the start of every build so edits apply to the
// next build without a restart.
type Settings interface {
	BuilderImage(pkg string) string
	BuildTimeout(pkg string) time.Duration
	Resources(pkg string) engine.Resources
}

// Tracker records which container serves which build. Take and
// Cancelling let exactly one of finalize or cancel own the teardown.
type Tracker interface {
	Put(buildID int64, containerID string)
	Take(buildID int64) (string, bool)
	Cancelling(buildID int64) <-chan struct{}
}

// Publisher moves finished artifacts into the repository.
type Publisher interface {
	Reconcile(ctx context.Context, pkg *db.Package, buildID int64, platform, outDir string) (*repo.Result, error)
}

// Options configures host paths and retry behavior.
type Options struct {
	BuildDir         string
	DeploymentMode   string
	MirrorlistDir    string // host mode: per-platform mirrorlist directories
	MirrorVolume     string // container mode: named volume holding the same tree
	UID              int
	GID              int
	LogFlushInterval time.Duration
	MaxRetries       int
	Limits           security.Limits
}

// Outcome is what a finished run reports to its caller.
type Outcome struct {
	BuildID      int64
	Status       string
	Failure      error
	Reconcile    *repo.Result
	ReconcileErr error // set when a successful build could not be published
}

// Runner holds dependencies for FSM transitions
type Runner struct {
	repo      *db.Repository
	engine    engine.Engine
	publisher Publisher
	tracker   Tracker
	settings  Settings
	recorder  metrics.Recorder
	opts      Options

	manager *fsm.Manager
	start   fsm.Start[BuildRequest, BuildResponse]

	mu       sync.Mutex
	sessions map[int64]*session
}

// session is per-build state that cannot travel through the FSM response.
type session struct {
	pkg     *db.Package
	build   *db.Build
	src     source.Source
	log     *LogWriter
	began   time.Time
	failure error

	attached bool
	monitor  chan struct{} // closed when the attach stream ends

	// finalize may be retried; the teardown decision is made once
	taken        bool
	cancelled    bool
	summarized   bool
	finished     bool
	reconcile    *repo.Result
	reconcileErr error
}

// NewRunner creates a runner with its dependencies.
func NewRunner(
	repository *db.Repository,
	eng engine.Engine,
	publisher Publisher,
	tracker Tracker,
	settings Settings,
	recorder metrics.Recorder,
	opts Options,
) *Runner {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.DeploymentMode == "" {
		opts.DeploymentMode = DeploymentHost
	}
	return &Runner{
		repo:      repository,
		engine:    eng,
		publisher: publisher,
		tracker:   tracker,
		settings:  settings,
		recorder:  recorder,
		opts:      opts,
		sessions:  map[int64]*session{},
	}
}

// Register registers the build FSM with manager.
func (r *Runner) Register(ctx context.Context, manager *fsm.Manager) error {
	start, _, err := fsm.Register[BuildRequest, BuildResponse](manager, "package-build").
		Start(StatePreparing, r.handler(StatePreparing, r.prepare)).
		To(StatePulling, r.handler(StatePulling, r.pull)).
		To(StateCreated, r.handler(StateCreated, r.create)).
		To(StateRunning, r.handler(StateRunning, r.run)).
		To(StateFinalize, r.handler(StateFinalize, r.finalize)).
		End(StateDone).
		Build(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to register FSM")
	}
	r.manager = manager
	r.start = start
	return nil
}

// Run executes build to a terminal status and blocks until it is there.
// The error is reserved for builds the FSM could not drive; those are
// marked failed before Run returns.
func (r *Runner) Run(ctx context.Context, pkg *db.Package, build *db.Build) (*Outcome, error) {
	if r.start == nil {
		return nil, errors.New("runner is not registered")
	}

	kind, data, err := source.Marshal(pkg.Source)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode source")
	}
	req := &BuildRequest{
		BuildID:    build.ID,
		PackageID:  pkg.ID,
		Package:    pkg.Name,
		Platform:   build.Platform,
		Flags:      pkg.BuildFlags,
		SourceKind: kind,
		SourceData: data,
	}

	s := r.open(pkg, build)
	defer r.closeSession(build.ID)

	runID := fmt.Sprintf("build-%d-%s", build.ID, uuid.NewString())
	slog.Info("build_started", "build_id", build.ID, "package", pkg.Name, "platform", build.Platform, "run_id", runID)

	version, err := r.start(ctx, runID, fsm.NewRequest(req, &BuildResponse{}))
	if err == nil {
		err = r.manager.Wait(ctx, version)
	}
	if err != nil || !s.finished {
		if err == nil {
			err = errors.New("build workflow ended before finalize")
		}
		slog.Error("fsm_run_failed", "build_id", build.ID, "run_id", runID, "error", err)
		r.abandon(s, err)
		return r.outcome(s), errors.Wrap(err, "build workflow failed")
	}
	return r.outcome(s), nil
}

func (r *Runner) open(pkg *db.Package, build *db.Build) *session {
	s := &session{
		pkg:     pkg,
		build:   build,
		src:     pkg.Source,
		log:     NewLogWriter(r.repo, build.ID, r.opts.LogFlushInterval),
		began:   time.Now(),
		monitor: make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[build.ID] = s
	r.mu.Unlock()
	return s
}

func (r *Runner) session(buildID int64) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[buildID]
}

func (r *Runner) closeSession(buildID int64) {
	r.mu.Lock()
	s := r.sessions[buildID]
	delete(r.sessions, buildID)
	r.mu.Unlock()
	if s != nil {
		s.log.Close()
	}
}

func (r *Runner) outcome(s *session) *Outcome {
	status := db.BuildSuccessful
	switch {
	case s.cancelled:
		status = db.BuildCancelled
	case s.failure != nil:
		status = db.BuildFailed
	}
	return &Outcome{BuildID: s.build.ID, Status: status, Failure: s.failure, Reconcile: s.reconcile, ReconcileErr: s.reconcileErr}
}

// abandon terminates a build whose workflow aborted before finalize.
func (r *Runner) abandon(s *session, cause error) {
	if s.finished {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.failure == nil {
		s.failure = cause
	}
	if !s.taken {
		if id, ok := r.tracker.Take(s.build.ID); ok {
			if err := r.engine.RemoveContainer(ctx, id); err != nil {
				slog.Warn("container_remove_failed", "build_id", s.build.ID, "container_id", id, "error", err)
			}
		}
	}
	s.log.Line("Build failed: %v", cause)
	if err := s.log.Flush(); err != nil {
		slog.Error("build_log_flush_before_status_failed", "build_id", s.build.ID, "error", err)
	}
	err := r.repo.WithTx(ctx, func(tx *db.Tx) error {
		return tx.FinishBuild(ctx, s.pkg.ID, s.build.ID, db.BuildFailed, db.PackageFailed, time.Now())
	})
	if err != nil {
		slog.Error("build_abandon_failed", "build_id", s.build.ID, "error", err)
	}
	r.recorder.IncBuildOutcome(db.BuildFailed)
	s.finished = true
}

// step is one state's work. It returns a retryable error only for faults
// worth another attempt; anything else is recorded as the build failure.
type step func(ctx context.Context, s *session, req *BuildRequest, resp *BuildResponse) error

type retryable struct{ error }

func (e retryable) Unwrap() error { return e.error }

func retry(err error) error { return retryable{err} }

func (r *Runner) handler(state string, fn step) func(context.Context, *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
	return func(ctx context.Context, req *fsm.Request[BuildRequest, BuildResponse]) (*fsm.Response[BuildResponse], error) {
		slog.Info("fsm_state_"+state, "build_id", req.Msg.BuildID, "package", req.Msg.Package)

		if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(r.opts.MaxRetries) {
			slog.Error("max_retries_exceeded", "build_id", req.Msg.BuildID, "state", state, "max_retries", r.opts.MaxRetries)
			return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", r.opts.MaxRetries))
		}

		resp := req.W.Msg
		if resp == nil {
			resp = &BuildResponse{}
		}

		s := r.session(req.Msg.BuildID)
		if s == nil {
			return nil, fsm.Abort(fmt.Errorf("no session for build %d", req.Msg.BuildID))
		}

		if err := r.apply(ctx, state, fn, s, req.Msg, resp); err != nil {
			return nil, err
		}
		return fsm.NewResponse(resp), nil
	}
}

// apply runs fn unless an earlier state failed. Finalize always runs.
func (r *Runner) apply(ctx context.Context, state string, fn step, s *session, req *BuildRequest, resp *BuildResponse) error {
	if resp.Failed() && state != StateFinalize {
		slog.Debug("fsm_state_skipped", "build_id", req.BuildID, "state", state, "failure", resp.Failure)
		return nil
	}
	err := fn(ctx, s, req, resp)
	if err == nil {
		return nil
	}
	var rt retryable
	if errors.As(err, &rt) {
		slog.Warn("fsm_state_retry", "build_id", req.BuildID, "state", state, "error", err)
		return err
	}
	r.fail(s, resp, err)
	return nil
}

func (r *Runner) fail(s *session, resp *BuildResponse, err error) {
	if s.failure != nil {
		return
	}
	s.failure = err
	resp.FailureKind = errors.KindOf(err)
	resp.Failure = err.Error()
	slog.Error("build_step_failed", "build_id", s.build.ID, "package", s.pkg.Name, "kind", resp.FailureKind, "error", err)
}
