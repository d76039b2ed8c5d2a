package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/superfly/fsm"

	"github.com/aurcache/aurcache/internal/config"
	"github.com/aurcache/aurcache/pkg/db"
	"github.com/aurcache/aurcache/pkg/engine"
	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/metrics"
	"github.com/aurcache/aurcache/pkg/queue"
	"github.com/aurcache/aurcache/pkg/repo"
	"github.com/aurcache/aurcache/pkg/runner"
)

// pipeline is everything a process that runs builds holds open.
type pipeline struct {
	cfg        *config.Config
	live       *config.Live
	repo       *db.Repository
	engine     engine.Engine
	reconciler *repo.Reconciler
	manager    *fsm.Manager
	controller *queue.Controller
	registry   *prometheus.Registry
}

// newPipeline wires the database, container engine, reconciler, build
// FSM and admission controller. watch enables live config reload.
func newPipeline(ctx context.Context, cfg *config.Config, watch bool) (*pipeline, error) {
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.RepoDir, cfg.BuildDir); err != nil {
		return nil, err
	}

	p := &pipeline{cfg: cfg, live: config.NewLive(cfg), registry: prometheus.NewRegistry()}
	if watch && viper.ConfigFileUsed() != "" {
		p.live.Watch(viper.GetViper())
	}
	recorder := metrics.NewPrometheusRecorder(p.registry)

	repository, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	p.repo = repository

	docker, err := engine.NewDocker(cfg.DockerHost)
	if err != nil {
		p.Close()
		return nil, errors.Wrap(err, "container engine init failed")
	}
	p.engine = docker
	if err := docker.Ping(ctx); err != nil {
		slog.Warn("container_engine_unreachable", "error", err)
	}

	reconciler, err := newReconciler(ctx, cfg, repository, repo.WithRecorder(recorder))
	if err != nil {
		p.Close()
		return nil, err
	}
	p.reconciler = reconciler

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		p.Close()
		return nil, errors.Wrap(err, "FSM manager failed")
	}
	p.manager = manager

	inflight := queue.NewInflight()
	r := runner.NewRunner(repository, docker, p.reconciler, inflight, p.live, recorder, runner.Options{
		BuildDir:         cfg.BuildDir,
		DeploymentMode:   cfg.DeploymentMode,
		MirrorlistDir:    cfg.MirrorlistDir,
		MirrorVolume:     cfg.MirrorVolume,
		UID:              cfg.BuilderUID,
		GID:              cfg.BuilderGID,
		LogFlushInterval: cfg.LogFlushInterval,
		MaxRetries:       cfg.FSMMaxRetries,
		Limits:           cfg.Limits(),
	})
	if err := r.Register(ctx, manager); err != nil {
		p.Close()
		return nil, errors.Wrap(err, "FSM register failed")
	}
	p.controller = queue.NewController(r, docker, repository, inflight, p.live, recorder)
	return p, nil
}

// failInterrupted fails builds left active by a previous process; their
// containers and in-flight entries did not survive it.
func (p *pipeline) failInterrupted(ctx context.Context) error {
	builds, err := p.repo.ListBuilds(ctx, 0)
	if err != nil {
		return errors.Wrap(err, "list builds failed")
	}
	for _, b := range builds {
		if b.Status != db.BuildActive {
			continue
		}
		slog.Warn("build_interrupted", "build_id", b.ID, "package_id", b.PackageID)
		p.repo.AppendBuildLog(ctx, b.ID, "Build interrupted by a restart\n")
		err := p.repo.WithTx(ctx, func(tx *db.Tx) error {
			return tx.FinishBuild(ctx, b.PackageID, b.ID, db.BuildFailed, db.PackageFailed, time.Now())
		})
		if err != nil {
			return errors.Wrap(err, "failed to fail interrupted build")
		}
	}
	return nil
}

// Close releases everything newPipeline opened.
func (p *pipeline) Close() {
	if p.manager != nil {
		p.manager.Shutdown(10 * time.Second)
	}
	if p.engine != nil {
		p.engine.Close()
	}
	if p.repo != nil {
		p.repo.Close()
	}
}
