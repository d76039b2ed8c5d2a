package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aurcache/aurcache/pkg/db"
	"github.com/aurcache/aurcache/pkg/engine"
	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/source"
)

// Pull statuses that only describe layer progress. They go to the debug
// log, not the build log.
var noisyPullStatus = []string{
	"Downloading",
	"Extracting",
	"Waiting",
	"Verifying Checksum",
	"Download complete",
	"Pulling fs layer",
	"Pull complete",
	"Already exists",
}

const monitorGrace = 5 * time.Second

// prepare marks the build active and lays out its work directory.
func (r *Runner) prepare(ctx context.Context, s *session, req *BuildRequest, resp *BuildResponse) error {
	now := time.Now()
	err := r.repo.WithTx(ctx, func(tx *db.Tx) error {
		return tx.MarkActive(ctx, req.PackageID, req.BuildID, now)
	})
	if err != nil {
		return retry(errors.Wrap(err, "failed to mark build active"))
	}
	s.log.Line("Build %d of %s for %s started", req.BuildID, req.Package, req.Platform)

	resp.WorkDir = filepath.Join(r.opts.BuildDir, fmt.Sprintf("%d", req.BuildID))
	resp.OutputDir = filepath.Join(resp.WorkDir, "out")
	if abs, err := filepath.Abs(resp.OutputDir); err == nil {
		resp.OutputDir = abs
	}
	if err := os.MkdirAll(resp.OutputDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}
	// makepkg runs as an unprivileged user inside the container
	if err := os.Chmod(resp.OutputDir, 0o777); err != nil {
		return errors.Wrap(err, "failed to open output directory")
	}
	if err := os.Chown(resp.OutputDir, r.opts.UID, r.opts.GID); err != nil {
		slog.Debug("output_dir_chown_skipped", "path", resp.OutputDir, "error", err)
	}

	resp.Image = r.settings.BuilderImage(req.Package)
	resp.EnginePlatform = engine.PlatformFor(req.Platform)
	return nil
}

// pull fetches the builder image and prunes what it superseded.
func (r *Runner) pull(ctx context.Context, s *session, req *BuildRequest, resp *BuildResponse) error {
	s.log.Line("Pulling %s (%s)", resp.Image, resp.EnginePlatform)

	id, err := r.engine.PullImage(ctx, resp.Image, resp.EnginePlatform, func(p engine.Progress) {
		if p.Error != "" {
			s.log.Line("%s", p.Error)
			return
		}
		if noisy(p.Status) {
			slog.Debug("image_pull_progress", "build_id", req.BuildID, "layer", p.ID, "status", p.Status, "progress", p.Progress)
			return
		}
		if p.ID != "" {
			s.log.Line("%s: %s", p.ID, p.Status)
			return
		}
		s.log.Line("%s", p.Status)
	})
	if err != nil {
		s.log.Line("Image pull failed: %v", err)
		return err
	}
	resp.ImageID = id

	reclaimed, err := r.engine.PruneDanglingImages(ctx)
	switch {
	case err != nil && errors.Is(err, errors.KindEngine):
		return err
	case err != nil:
		slog.Warn("image_prune_failed", "build_id", req.BuildID, "error", err)
	case reclaimed > 0:
		slog.Info("image_prune_complete", "build_id", req.BuildID, "reclaimed_bytes", reclaimed)
	}
	return nil
}

func noisy(status string) bool {
	for _, n := range noisyPullStatus {
		if strings.HasPrefix(status, n) {
			return true
		}
	}
	return false
}

// create makes the container, injects its inputs and registers it as in
// flight before anything can start it.
func (r *Runner) create(ctx context.Context, s *session, req *BuildRequest, resp *BuildResponse) error {
	cmd, err := source.BuildCommand(s.src, req.Flags)
	if err != nil {
		s.log.Line("Build aborted: %v", err)
		return err
	}

	mounts := []engine.Mount{{
		Type:   engine.MountBind,
		Source: resp.OutputDir,
		Target: source.OutputDir,
	}}
	mirrorlist := defaultMirrors
	if m, ok := r.mirrorMount(req.Platform); ok {
		mounts = append(mounts, m)
		mirrorlist = mirrorMountPath + "/mirrorlist"
	}

	resp.ContainerName = containerName(req.Package, req.BuildID)
	id, err := r.engine.CreateContainer(ctx, engine.ContainerSpec{
		Name:      resp.ContainerName,
		Image:     resp.Image,
		Platform:  resp.EnginePlatform,
		Cmd:       cmd,
		Env:       []string{"PKGDEST=" + source.OutputDir},
		Mounts:    mounts,
		Resources: r.settings.Resources(req.Package),
	})
	if err != nil {
		s.log.Line("Container creation failed: %v", err)
		return err
	}
	resp.ContainerID = id
	r.tracker.Put(req.BuildID, id)
	slog.Info("container_created", "build_id", req.BuildID, "container_id", id, "name", resp.ContainerName)

	conf, err := singleFileTar("pacman.conf", pacmanConf(req.Platform, mirrorlist))
	if err != nil {
		return errors.Wrap(err, "failed to pack pacman.conf")
	}
	if err := r.engine.CopyToContainer(ctx, id, pacmanConfDir, conf); err != nil {
		s.log.Line("Injecting pacman.conf failed: %v", err)
		return err
	}

	payload, err := source.Provisioner{
		WorkDir: resp.WorkDir,
		UID:     r.opts.UID,
		GID:     r.opts.GID,
		Limits:  r.opts.Limits,
	}.Provision(ctx, s.src)
	if err != nil {
		s.log.Line("Preparing sources failed: %v", err)
		return err
	}
	if payload != nil {
		f, err := os.Open(payload.Path)
		if err != nil {
			return errors.Wrap(err, "failed to open source payload")
		}
		defer f.Close()
		if err := r.engine.CopyToContainer(ctx, id, payload.Dest, f); err != nil {
			s.log.Line("Uploading sources failed: %v", err)
			return err
		}
		s.log.Line("Uploaded sources to %s", payload.Dest)
	}
	return nil
}

// containerName is unique per attempt so a retried create never collides.
func containerName(pkg string, buildID int64) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '-'
	}, pkg)
	return fmt.Sprintf("aurcache-%s-%d-%s", clean, buildID, uuid.NewString()[:8])
}

func (r *Runner) mirrorMount(platform string) (engine.Mount, bool) {
	switch {
	case r.opts.DeploymentMode == DeploymentContainer && r.opts.MirrorVolume != "":
		return engine.Mount{
			Type:    engine.MountVolume,
			Source:  r.opts.MirrorVolume,
			Subpath: platform,
			Target:  mirrorMountPath,
		}, true
	case r.opts.MirrorlistDir != "":
		return engine.Mount{
			Type:   engine.MountBind,
			Source: filepath.Join(r.opts.MirrorlistDir, platform),
			Target: mirrorMountPath,
		}, true
	}
	return engine.Mount{}, false
}

// run starts the container, streams its output into the build log and
// waits for it to exit or exceed its timeout.
func (r *Runner) run(ctx context.Context, s *session, req *BuildRequest, resp *BuildResponse) error {
	stream, err := r.engine.Attach(ctx, resp.ContainerID)
	if err != nil {
		return err
	}
	s.attached = true
	go func() {
		defer close(s.monitor)
		defer stream.Close()
		if _, err := io.Copy(s.log, stream); err != nil {
			slog.Debug("container_stream_closed", "build_id", req.BuildID, "error", err)
		}
	}()

	if err := r.engine.StartContainer(ctx, resp.ContainerID); err != nil {
		s.log.Line("Container start failed: %v", err)
		stream.Close()
		return err
	}

	type exit struct {
		code int64
		err  error
	}
	waited := make(chan exit, 1)
	go func() {
		code, err := r.engine.WaitContainer(ctx, resp.ContainerID)
		waited <- exit{code, err}
	}()

	timeout := r.settings.BuildTimeout(req.Package)
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case e := <-waited:
		if e.err != nil {
			s.log.Line("Waiting for container failed: %v", e.err)
			return e.err
		}
		resp.ExitCode = e.code
		if e.code != 0 {
			s.log.Line("Build of %s failed with exit code %d", req.Package, e.code)
			return errors.Errorf(errors.KindBuild, "build", "%s exited with code %d", req.Package, e.code)
		}
		return nil
	case <-expired:
		slog.Warn("build_timeout", "build_id", req.BuildID, "package", req.Package, "timeout", timeout)
		if err := r.engine.KillContainer(ctx, resp.ContainerID); err != nil {
			slog.Warn("container_kill_failed", "build_id", req.BuildID, "container_id", resp.ContainerID, "error", err)
		}
		s.log.Line("Build timed out after %s", timeout)
		return errors.Errorf(errors.KindTimeout, "build", "%s exceeded %s", req.Package, timeout)
	}
}

// finalize tears the container down and records the terminal status.
// Only database faults are retried; the rest of the work is idempotent.
func (r *Runner) finalize(ctx context.Context, s *session, req *BuildRequest, resp *BuildResponse) error {
	if s.finished {
		return nil
	}

	if s.attached {
		select {
		case <-s.monitor:
		case <-time.After(monitorGrace):
			slog.Warn("container_stream_hung", "build_id", req.BuildID)
		}
	}

	if !s.taken {
		_, owned := r.tracker.Take(req.BuildID)
		if !owned && resp.ContainerID != "" {
			if ch := r.tracker.Cancelling(req.BuildID); ch != nil {
				select {
				case <-ch:
				case <-ctx.Done():
					return retry(ctx.Err())
				}
			}
			b, err := r.repo.GetBuild(ctx, req.BuildID)
			if err != nil {
				return retry(errors.Wrap(err, "failed to read build"))
			}
			if b != nil && b.Status == db.BuildCancelled {
				s.cancelled = true
				s.failure = errors.E(errors.KindCancelled, "build", errors.New("cancelled by operator"))
				resp.FailureKind = errors.KindCancelled
				resp.Failure = s.failure.Error()
			} else {
				slog.Error("inflight_entry_missing", "build_id", req.BuildID, "container_id", resp.ContainerID)
			}
		}
		s.taken = true
	}

	if resp.ContainerID != "" && !s.cancelled {
		if err := r.engine.RemoveContainer(ctx, resp.ContainerID); err != nil {
			slog.Warn("container_remove_failed", "build_id", req.BuildID, "container_id", resp.ContainerID, "error", err)
		}
	}

	buildStatus, pkgStatus := db.BuildSuccessful, db.PackageSuccessful
	switch {
	case s.cancelled:
		buildStatus, pkgStatus = db.BuildCancelled, db.PackageFailed
	case s.failure != nil:
		buildStatus, pkgStatus = db.BuildFailed, db.PackageFailed
	}
	if !s.summarized {
		switch buildStatus {
		case db.BuildCancelled:
			s.log.Line("Build cancelled")
		case db.BuildFailed:
			s.log.Line("Build failed: %v", s.failure)
		default:
			s.log.Line("Build of %s succeeded", req.Package)
		}
		s.summarized = true
	}
	// the log must hold the failure before the status says so
	if err := s.log.Flush(); err != nil {
		slog.Error("build_log_flush_before_status_failed", "build_id", req.BuildID, "error", err)
	}

	if s.cancelled {
		if err := r.repo.SetPackageStatus(ctx, req.PackageID, pkgStatus); err != nil {
			return retry(errors.Wrap(err, "failed to mark package failed"))
		}
	} else if err := r.finish(ctx, req, buildStatus, pkgStatus, time.Now()); err != nil {
		return err
	}
	resp.Status = buildStatus
	s.finished = true

	outcome := resp.Status
	if resp.FailureKind == errors.KindTimeout {
		outcome = "timeout"
	}
	r.recorder.IncBuildOutcome(outcome)
	r.recorder.ObserveBuildDuration(time.Since(s.began))
	slog.Info("build_finished", "build_id", req.BuildID, "package", req.Package, "status", resp.Status, "duration", time.Since(s.began))

	if resp.Status == db.BuildSuccessful {
		r.publish(ctx, s, req, resp)
	}

	if resp.WorkDir != "" {
		if err := os.RemoveAll(resp.WorkDir); err != nil {
			slog.Warn("workdir_cleanup_failed", "path", resp.WorkDir, "error", err)
		}
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, req *BuildRequest, buildStatus, pkgStatus string, at time.Time) error {
	err := r.repo.WithTx(ctx, func(tx *db.Tx) error {
		return tx.FinishBuild(ctx, req.PackageID, req.BuildID, buildStatus, pkgStatus, at)
	})
	if err != nil {
		return retry(errors.Wrap(err, "failed to record build status"))
	}
	return nil
}

// publish reconciles a successful build. A failure here leaves the build
// successful and is reported as an alert.
func (r *Runner) publish(ctx context.Context, s *session, req *BuildRequest, resp *BuildResponse) {
	res, err := r.publisher.Reconcile(ctx, &db.Package{ID: req.PackageID, Name: req.Package}, req.BuildID, req.Platform, resp.OutputDir)
	if err != nil {
		slog.Error("reconcile_alert", "build_id", req.BuildID, "package", req.Package, "platform", req.Platform, "error", err)
		s.log.Line("Publishing artifacts failed: %v", err)
		s.reconcileErr = err
		return
	}
	s.reconcile = res
	resp.Version = res.Version
	s.log.Line("Published %d file(s), version %s", len(res.Added), res.Version)
}
