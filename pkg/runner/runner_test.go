package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aurcache/aurcache/pkg/archive/archivetest"
	"github.com/aurcache/aurcache/pkg/db"
	"github.com/aurcache/aurcache/pkg/engine"
	"github.com/aurcache/aurcache/pkg/engine/enginetest"
	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/repo"
	"github.com/aurcache/aurcache/pkg/security"
	"github.com/aurcache/aurcache/pkg/source"
)

type fakeSettings struct {
	timeout time.Duration
}

func (fakeSettings) BuilderImage(string) string          { return "archlinux/builder:latest" }
func (s fakeSettings) BuildTimeout(string) time.Duration { return s.timeout }
func (fakeSettings) Resources(string) engine.Resources   { return engine.Resources{NanoCPUs: 2e9} }

type fakeTracker struct {
	mu         sync.Mutex
	running    map[int64]string
	cancelling map[int64]chan struct{}
}

func newTracker() *fakeTracker {
	return &fakeTracker{running: map[int64]string{}, cancelling: map[int64]chan struct{}{}}
}

func (f *fakeTracker) Put(id int64, cid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = cid
}

func (f *fakeTracker) Take(id int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cid, ok := f.running[id]
	delete(f.running, id)
	return cid, ok
}

func (f *fakeTracker) Cancelling(id int64) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.cancelling[id]; ok {
		return ch
	}
	return nil
}

func (f *fakeTracker) get(id int64) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cid, ok := f.running[id]
	return cid, ok
}

// beginCancel claims a running build the way the controller does.
func (f *fakeTracker) beginCancel(id int64) (string, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cid := f.running[id]
	delete(f.running, id)
	ch := make(chan struct{})
	f.cancelling[id] = ch
	return cid, func() {
		f.mu.Lock()
		delete(f.cancelling, id)
		f.mu.Unlock()
		close(ch)
	}
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	repo    *db.Repository
	store   *repo.Store
	engine  *enginetest.Fake
	tracker *fakeTracker
	runner  *Runner
}

func newFixture(t *testing.T, settings fakeSettings) *fixture {
	t.Helper()
	repository, err := db.NewRepository(filepath.Join(t.TempDir(), "aurcache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repository.Close() })

	store := repo.NewStore(t.TempDir(), security.Limits{})
	eng := enginetest.New()
	tracker := newTracker()
	r := NewRunner(repository, eng, repo.NewReconciler(repository, store), tracker, settings, nil, Options{
		BuildDir:         t.TempDir(),
		MirrorlistDir:    "/srv/mirrorlists",
		LogFlushInterval: 10 * time.Millisecond,
	})
	return &fixture{t: t, ctx: context.Background(), repo: repository, store: store, engine: eng, tracker: tracker, runner: r}
}

func (f *fixture) enqueue(src source.Source) (*db.Package, *db.Build) {
	p := &db.Package{Name: "foo", Platforms: []string{"x86_64"}, Source: src}
	require.NoError(f.t, f.repo.CreatePackage(f.ctx, p))
	b := &db.Build{PackageID: p.ID, Platform: "x86_64"}
	require.NoError(f.t, f.repo.CreateBuild(f.ctx, b))
	return p, b
}

// drive walks the states in order without the FSM manager.
func (f *fixture) drive(p *db.Package, b *db.Build) (*Outcome, *BuildResponse) {
	s, resp := f.walk(p, b)
	f.runner.closeSession(b.ID)
	return f.runner.outcome(s), resp
}

// walk runs every state but leaves the session, and its log writer, open.
func (f *fixture) walk(p *db.Package, b *db.Build) (*session, *BuildResponse) {
	kind, data, err := source.Marshal(p.Source)
	require.NoError(f.t, err)
	req := &BuildRequest{BuildID: b.ID, PackageID: p.ID, Package: p.Name, Platform: b.Platform, Flags: p.BuildFlags, SourceKind: kind, SourceData: data}

	s := f.runner.open(p, b)
	resp := &BuildResponse{}
	for _, st := range []struct {
		name string
		fn   step
	}{
		{StatePreparing, f.runner.prepare},
		{StatePulling, f.runner.pull},
		{StateCreated, f.runner.create},
		{StateRunning, f.runner.run},
		{StateFinalize, f.runner.finalize},
	} {
		require.NoError(f.t, f.runner.apply(f.ctx, st.name, st.fn, s, req, resp))
	}
	return s, resp
}

func (f *fixture) status(p *db.Package, b *db.Build) (string, string, string) {
	pkg, err := f.repo.GetPackage(f.ctx, p.ID)
	require.NoError(f.t, err)
	build, err := f.repo.GetBuild(f.ctx, b.ID)
	require.NoError(f.t, err)
	return pkg.Status, build.Status, build.Output
}

func outputDir(spec engine.ContainerSpec) string {
	for _, m := range spec.Mounts {
		if m.Target == source.OutputDir {
			return m.Source
		}
	}
	return ""
}

func TestRunSuccessPublishes(t *testing.T) {
	f := newFixture(t, fakeSettings{})
	f.engine.PullEvents = []engine.Progress{
		{Status: "latest: Pulling from archlinux/builder"},
		{ID: "abc", Status: "Downloading", Progress: "[==>  ]"},
		{Status: "Status: Downloaded newer image"},
	}
	f.engine.Output = "==> Making package: foo 1-1\n"
	f.engine.OnStart = func(spec engine.ContainerSpec) {
		archivetest.Write(t, outputDir(spec), archivetest.Package{Name: "foo", Version: "1-1"})
	}

	p, b := f.enqueue(source.Aur{Name: "foo"})
	out, resp := f.drive(p, b)

	require.Equal(t, db.BuildSuccessful, out.Status)
	require.NoError(t, out.Failure)
	require.NoError(t, out.ReconcileErr)
	require.NotNil(t, out.Reconcile)
	require.Equal(t, []string{"foo-1-1-x86_64.pkg.tar.zst"}, out.Reconcile.Added)

	pkgStatus, buildStatus, log := f.status(p, b)
	require.Equal(t, db.PackageSuccessful, pkgStatus)
	require.Equal(t, db.BuildSuccessful, buildStatus)
	require.Contains(t, log, "Making package: foo 1-1")
	require.Contains(t, log, "Status: Downloaded newer image")
	require.NotContains(t, log, "Downloading")

	_, err := os.Stat(f.store.Path("x86_64", "foo-1-1-x86_64.pkg.tar.zst"))
	require.NoError(t, err)
	_, err = os.Stat(resp.WorkDir)
	require.True(t, os.IsNotExist(err), "work dir not removed")

	require.True(t, f.engine.Removed(resp.ContainerID))
	_, tracked := f.tracker.get(b.ID)
	require.False(t, tracked)

	spec := f.engine.Spec(resp.ContainerID)
	require.Equal(t, "linux/amd64", spec.Platform)
	require.Equal(t, []string{"PKGDEST=" + source.OutputDir}, spec.Env)
	require.Len(t, spec.Mounts, 2)
	require.Equal(t, "/srv/mirrorlists/x86_64", spec.Mounts[1].Source)
	require.Contains(t, f.engine.Copies, pacmanConfDir)
}

func TestRunNonZeroExit(t *testing.T) {
	f := newFixture(t, fakeSettings{})
	f.engine.ExitCode = 4

	p, b := f.enqueue(source.Aur{Name: "foo"})
	out, resp := f.drive(p, b)

	require.Equal(t, db.BuildFailed, out.Status)
	require.Equal(t, errors.KindBuild, errors.KindOf(out.Failure))
	require.Equal(t, int64(4), resp.ExitCode)

	pkgStatus, buildStatus, log := f.status(p, b)
	require.Equal(t, db.PackageFailed, pkgStatus)
	require.Equal(t, db.BuildFailed, buildStatus)
	require.Contains(t, log, "exit code 4")
	require.True(t, f.engine.Removed(resp.ContainerID))
}

func TestRunTimeout(t *testing.T) {
	f := newFixture(t, fakeSettings{timeout: 50 * time.Millisecond})
	f.engine.Block = true

	p, b := f.enqueue(source.Aur{Name: "foo"})
	out, resp := f.drive(p, b)

	require.Equal(t, db.BuildFailed, out.Status)
	require.Equal(t, errors.KindTimeout, resp.FailureKind)
	require.True(t, f.engine.Killed(resp.ContainerID))

	_, buildStatus, log := f.status(p, b)
	require.Equal(t, db.BuildFailed, buildStatus)
	require.Contains(t, log, "timed out")
}

func TestRunFailureLoggedBeforeStatusCommits(t *testing.T) {
	f := newFixture(t, fakeSettings{timeout: 50 * time.Millisecond})
	f.runner.opts.LogFlushInterval = time.Hour
	f.engine.Block = true

	p, b := f.enqueue(source.Aur{Name: "foo"})
	_, resp := f.walk(p, b)
	defer f.runner.closeSession(b.ID)
	require.Equal(t, db.BuildFailed, resp.Status)

	// read while the writer is still open; only finalize can have flushed
	_, buildStatus, log := f.status(p, b)
	require.Equal(t, db.BuildFailed, buildStatus)
	require.Contains(t, log, "Build timed out after 50ms")
	require.Contains(t, log, "Build failed:")
}

func TestRunPullFailureSkipsToFinalize(t *testing.T) {
	f := newFixture(t, fakeSettings{})
	f.engine.PullErr = errors.Errorf(errors.KindPull, "pull", "manifest unknown")

	p, b := f.enqueue(source.Aur{Name: "foo"})
	out, resp := f.drive(p, b)

	require.Equal(t, db.BuildFailed, out.Status)
	require.Equal(t, errors.KindPull, resp.FailureKind)
	require.Empty(t, resp.ContainerID)

	pkgStatus, buildStatus, log := f.status(p, b)
	require.Equal(t, db.PackageFailed, pkgStatus)
	require.Equal(t, db.BuildFailed, buildStatus)
	require.Contains(t, log, "manifest unknown")
}

func TestRunUploadUnsupported(t *testing.T) {
	f := newFixture(t, fakeSettings{})

	p, b := f.enqueue(source.Upload{Archive: "foo.tar.gz"})
	out, resp := f.drive(p, b)

	require.Equal(t, db.BuildFailed, out.Status)
	require.Equal(t, errors.KindUnsupported, resp.FailureKind)
	require.Empty(t, resp.ContainerID)
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, fakeSettings{})
	f.engine.Block = true

	p, b := f.enqueue(source.Aur{Name: "foo"})

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := f.drive(p, b)
		done <- out
	}()

	var cid string
	require.Eventually(t, func() bool {
		var ok bool
		cid, ok = f.tracker.get(b.ID)
		return ok && f.engine.Peak() == 1
	}, 5*time.Second, 5*time.Millisecond)

	claimed, finish := f.tracker.beginCancel(b.ID)
	require.Equal(t, cid, claimed)
	require.NoError(t, f.engine.RemoveContainer(f.ctx, claimed))
	require.NoError(t, f.repo.CancelBuild(f.ctx, b.ID, time.Now()))
	finish()

	var out *Outcome
	select {
	case out = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("build did not finish after cancel")
	}
	require.Equal(t, db.BuildCancelled, out.Status)
	require.Equal(t, errors.KindCancelled, errors.KindOf(out.Failure))

	pkgStatus, buildStatus, log := f.status(p, b)
	require.Equal(t, db.PackageFailed, pkgStatus)
	require.Equal(t, db.BuildCancelled, buildStatus)
	require.Contains(t, log, "Build cancelled")
}

func TestRunReconcileFailureKeepsBuildSuccessful(t *testing.T) {
	f := newFixture(t, fakeSettings{})
	f.engine.OnStart = func(spec engine.ContainerSpec) {
		require.NoError(t, os.WriteFile(filepath.Join(outputDir(spec), "garbage.txt"), []byte("x"), 0o644))
	}

	p, b := f.enqueue(source.Aur{Name: "foo"})
	out, _ := f.drive(p, b)

	require.Equal(t, db.BuildSuccessful, out.Status)
	require.Error(t, out.ReconcileErr)
	require.Equal(t, errors.KindReconcile, errors.KindOf(out.ReconcileErr))

	_, buildStatus, log := f.status(p, b)
	require.Equal(t, db.BuildSuccessful, buildStatus)
	require.True(t, strings.Contains(log, "Publishing artifacts failed"))
}

func TestPacmanConf(t *testing.T) {
	conf := string(pacmanConf("aarch64", "/etc/pacman.d/mirrors/mirrorlist"))
	require.Contains(t, conf, "Architecture = aarch64\n")
	require.Contains(t, conf, "[alarm]\nInclude = /etc/pacman.d/mirrors/mirrorlist\n")
	require.NotContains(t, conf, "[multilib]")

	conf = string(pacmanConf("x86_64", defaultMirrors))
	require.Contains(t, conf, "[multilib]\nInclude = /etc/pacman.d/mirrorlist\n")
}

func TestContainerName(t *testing.T) {
	name := containerName("lib32-foo+bar", 12)
	require.True(t, strings.HasPrefix(name, "aurcache-lib32-foo-bar-12-"), name)
	require.NotEqual(t, name, containerName("lib32-foo+bar", 12))
}
