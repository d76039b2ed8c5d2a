package queue

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aurcache/aurcache/pkg/db"
	"github.com/aurcache/aurcache/pkg/engine"
	"github.com/aurcache/aurcache/pkg/engine/enginetest"
	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/runner"
	"github.com/aurcache/aurcache/pkg/source"
)

type staticLimit struct{ n atomic.Int64 }

func (l *staticLimit) MaxConcurrentBuilds() int { return int(l.n.Load()) }

func limitOf(n int) *staticLimit {
	l := &staticLimit{}
	l.n.Store(int64(n))
	return l
}

// gatedBuilder blocks every build until release is closed.
type gatedBuilder struct {
	release chan struct{}
	running atomic.Int64
	peak    atomic.Int64
	ran     atomic.Int64
	fail    bool
}

func newGated() *gatedBuilder { return &gatedBuilder{release: make(chan struct{})} }

func (g *gatedBuilder) Run(ctx context.Context, _ *db.Package, b *db.Build) (*runner.Outcome, error) {
	n := g.running.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer g.running.Add(-1)
	defer g.ran.Add(1)

	select {
	case <-g.release:
	case <-ctx.Done():
	}
	if g.fail {
		return nil, errors.New("engine exploded")
	}
	return &runner.Outcome{BuildID: b.ID, Status: db.BuildSuccessful}, nil
}

func newRepo(t *testing.T) *db.Repository {
	t.Helper()
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "aurcache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func start(t *testing.T, c *Controller) context.CancelFunc {
	t.Helper()
	c.refresh = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func submit(t *testing.T, c *Controller, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := c.Submit(context.Background(), &db.Package{ID: 1, Name: "foo"}, &db.Build{ID: int64(i + 1)})
		require.NoError(t, err)
	}
}

func TestControllerRespectsLimit(t *testing.T) {
	g := newGated()
	c := NewController(g, enginetest.New(), newRepo(t), NewInflight(), limitOf(2), nil)
	start(t, c)

	submit(t, c, 5)
	require.Eventually(t, func() bool { return g.running.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(2), g.running.Load())

	close(g.release)
	c.Wait()
	require.Equal(t, int64(5), g.ran.Load())
	require.Equal(t, int64(2), g.peak.Load())
	require.Equal(t, 0, c.sem.Held())
}

func TestControllerLimitIncreaseAdmitsWaiting(t *testing.T) {
	g := newGated()
	limits := limitOf(1)
	c := NewController(g, enginetest.New(), newRepo(t), NewInflight(), limits, nil)
	start(t, c)

	submit(t, c, 3)
	require.Eventually(t, func() bool { return g.running.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	limits.n.Store(3)
	require.Eventually(t, func() bool { return g.running.Load() == 3 }, 2*time.Second, 5*time.Millisecond)

	close(g.release)
	c.Wait()
}

func TestControllerSurvivesBuilderErrors(t *testing.T) {
	g := newGated()
	g.fail = true
	close(g.release)
	c := NewController(g, enginetest.New(), newRepo(t), NewInflight(), limitOf(1), nil)
	start(t, c)

	submit(t, c, 3)
	require.Eventually(t, func() bool { return g.ran.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	c.Wait()
	require.Equal(t, 0, c.sem.Held())
}

func TestCancelUnknownBuild(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	pkg := &db.Package{Name: "foo", Platforms: []string{"x86_64"}, Source: source.Aur{Name: "foo"}}
	require.NoError(t, repo.CreatePackage(ctx, pkg))
	b := &db.Build{PackageID: pkg.ID, Platform: "x86_64"}
	require.NoError(t, repo.CreateBuild(ctx, b))

	c := NewController(newGated(), enginetest.New(), repo, NewInflight(), limitOf(1), nil)
	start(t, c)

	err := c.Cancel(ctx, b.ID)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.KindNotRunning))

	got, err := repo.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, db.BuildEnqueued, got.Status)
	require.Nil(t, got.EndTime)
}

func TestCancelRunningBuild(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	pkg := &db.Package{Name: "foo", Platforms: []string{"x86_64"}, Source: source.Aur{Name: "foo"}}
	require.NoError(t, repo.CreatePackage(ctx, pkg))
	b := &db.Build{PackageID: pkg.ID, Platform: "x86_64"}
	require.NoError(t, repo.CreateBuild(ctx, b))
	require.NoError(t, repo.MarkActive(ctx, pkg.ID, b.ID, time.Now()))

	eng := enginetest.New()
	cid, err := eng.CreateContainer(ctx, engine.ContainerSpec{Name: "c"})
	require.NoError(t, err)

	inflight := NewInflight()
	inflight.Put(b.ID, cid)

	c := NewController(newGated(), eng, repo, inflight, limitOf(1), nil)
	start(t, c)

	require.NoError(t, c.Cancel(ctx, b.ID))
	require.True(t, eng.Removed(cid))
	require.Equal(t, 0, inflight.Len())
	require.Nil(t, inflight.Cancelling(b.ID))

	build, err := repo.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, db.BuildCancelled, build.Status)
	require.NotNil(t, build.EndTime)

	// a second cancel finds nothing to remove
	require.ErrorIs(t, c.Cancel(ctx, b.ID), errors.ErrNotRunning)
}

func TestInflightRemovedExactlyOnce(t *testing.T) {
	m := NewInflight()
	m.Put(7, "c7")

	var wg sync.WaitGroup
	var wins atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if _, ok := m.Take(7); ok {
					wins.Add(1)
				}
				return
			}
			if _, done, ok := m.BeginCancel(7); ok {
				wins.Add(1)
				done()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int64(1), wins.Load())
	require.Nil(t, m.Cancelling(7))
}

func TestSemaphoreAcquireHonorsContext(t *testing.T) {
	s := NewSemaphore(1)
	require.NoError(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Acquire(ctx), context.DeadlineExceeded)
	require.Equal(t, 1, s.Held())

	s.Release()
	require.Equal(t, 0, s.Held())
}

func TestSemaphoreShrinkDoesNotPreempt(t *testing.T) {
	s := NewSemaphore(2)
	ctx := context.Background()
	require.NoError(t, s.Acquire(ctx))
	require.NoError(t, s.Acquire(ctx))

	s.SetLimit(1)
	require.Equal(t, 2, s.Held())

	acquired := make(chan struct{})
	go func() {
		s.Acquire(ctx)
		close(acquired)
	}()

	s.Release()
	select {
	case <-acquired:
		t.Fatal("acquired above the lowered limit")
	case <-time.After(30 * time.Millisecond):
	}

	s.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after permits drained")
	}
}

func TestSubmitIDRejectsMissingAndFinished(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	c := NewController(newGated(), enginetest.New(), repo, NewInflight(), limitOf(1), nil)

	require.ErrorIs(t, c.SubmitID(ctx, 42), errors.ErrNotFound)

	pkg := &db.Package{Name: "foo", Platforms: []string{"x86_64"}, Source: source.Aur{Name: "foo"}}
	require.NoError(t, repo.CreatePackage(ctx, pkg))
	b := &db.Build{PackageID: pkg.ID, Platform: "x86_64"}
	require.NoError(t, repo.CreateBuild(ctx, b))
	require.NoError(t, repo.CancelBuild(ctx, b.ID, time.Now()))

	err := c.SubmitID(ctx, b.ID)
	require.True(t, errors.Is(err, errors.KindInvalid), "got %v", err)
}
