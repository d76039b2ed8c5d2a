// Package enginetest provides an in-memory container engine.
package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aurcache/aurcache/pkg/engine"
	"github.com/aurcache/aurcache/pkg/errors"
)

// Fake is an Engine whose containers print Output and exit with ExitCode,
// or block until killed when Block is set.
type Fake struct {
	mu sync.Mutex

	PullEvents []engine.Progress
	PullErr    error
	PruneErr   error
	CreateErr  error
	ExitCode   int64
	Output     string
	Block      bool

	// OnStart runs after a container starts; tests use it to observe
	// concurrency or to drop artifacts into a mounted output directory.
	OnStart func(spec engine.ContainerSpec)

	next       int
	containers map[string]*container
	Copies     map[string][]byte // dst path to tarball bytes
	Running    int
	MaxRunning int
}

type container struct {
	spec    engine.ContainerSpec
	done    chan struct{}
	once    sync.Once
	out     *io.PipeWriter
	outR    *io.PipeReader
	code    int64
	killed  bool
	removed bool
	started bool
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{containers: map[string]*container{}, Copies: map[string][]byte{}}
}

func (f *Fake) Ping(context.Context) error { return nil }

func (f *Fake) PullImage(_ context.Context, ref, _ string, progress func(engine.Progress)) (string, error) {
	for _, p := range f.PullEvents {
		if progress != nil {
			progress(p)
		}
	}
	if f.PullErr != nil {
		return "", f.PullErr
	}
	return "sha256:" + ref, nil
}

func (f *Fake) PruneDanglingImages(context.Context) (uint64, error) { return 0, f.PruneErr }

func (f *Fake) CreateContainer(_ context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.next++
	id := fmt.Sprintf("c%d", f.next)
	r, w := io.Pipe()
	f.containers[id] = &container{spec: spec, done: make(chan struct{}), out: w, outR: r}
	return id, nil
}

func (f *Fake) get(id string) (*container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok || c.removed {
		return nil, errors.Errorf(errors.KindEngine, "fake", "no such container: %s", id)
	}
	return c, nil
}

func (f *Fake) CopyToContainer(_ context.Context, id, dst string, tarball io.Reader) error {
	if _, err := f.get(id); err != nil {
		return err
	}
	b, err := io.ReadAll(tarball)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.Copies[dst] = b
	f.mu.Unlock()
	return nil
}

func (f *Fake) Attach(_ context.Context, id string) (io.ReadCloser, error) {
	c, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return c.outR, nil
}

func (f *Fake) StartContainer(_ context.Context, id string) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	c.started = true
	f.Running++
	if f.Running > f.MaxRunning {
		f.MaxRunning = f.Running
	}
	block, code, output := f.Block, f.ExitCode, f.Output
	f.mu.Unlock()

	if f.OnStart != nil {
		f.OnStart(c.spec)
	}
	go func() {
		if output != "" {
			io.Copy(c.out, bytes.NewBufferString(output))
		}
		if !block {
			f.stop(c, code, false)
		}
	}()
	return nil
}

func (f *Fake) stop(c *container, code int64, killed bool) {
	c.once.Do(func() {
		f.mu.Lock()
		c.code, c.killed = code, killed
		if c.started {
			f.Running--
		}
		f.mu.Unlock()
		c.out.Close()
		close(c.done)
	})
}

func (f *Fake) WaitContainer(ctx context.Context, id string) (int64, error) {
	c, err := f.get(id)
	if err != nil {
		return -1, err
	}
	select {
	case <-c.done:
		return c.code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *Fake) KillContainer(_ context.Context, id string) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	f.stop(c, 137, true)
	return nil
}

func (f *Fake) RemoveContainer(_ context.Context, id string) error {
	c, err := f.get(id)
	if err != nil {
		return err
	}
	f.stop(c, 137, true)
	f.mu.Lock()
	c.removed = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) Close() error { return nil }

// Killed reports whether the container was stopped by kill or remove.
func (f *Fake) Killed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return ok && c.killed
}

// Removed reports whether the container was removed.
func (f *Fake) Removed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return ok && c.removed
}

// Spec returns the spec a container was created with.
func (f *Fake) Spec(id string) engine.ContainerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id].spec
}

// Peak returns the highest number of simultaneously running containers.
func (f *Fake) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.MaxRunning
}

// Release stops every blocked container with exit code 0.
func (f *Fake) Release() {
	f.mu.Lock()
	var cs []*container
	for _, c := range f.containers {
		cs = append(cs, c)
	}
	f.mu.Unlock()
	for _, c := range cs {
		f.stop(c, 0, false)
	}
}

var _ engine.Engine = (*Fake)(nil)
