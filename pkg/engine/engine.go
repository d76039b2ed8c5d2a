// Package engine drives build containers on a container engine.
package engine

import (
	"context"
	"io"
)

// MountType selects how a host path reaches the container.
type MountType string

const (
	MountBind   MountType = "bind"
	MountVolume MountType = "volume"
)

// Mount is one filesystem mount of a build container.
type Mount struct {
	Type     MountType
	Source   string // host path for binds, volume name for volumes
	Target   string
	Subpath  string // volume-relative path; volumes only
	ReadOnly bool
}

// Resources caps a build container.
type Resources struct {
	NanoCPUs    int64
	MemoryBytes int64
}

// ContainerSpec describes a build container.
type ContainerSpec struct {
	Name      string
	Image     string
	Platform  string // os/arch[/variant]
	Cmd       []string
	Env       []string
	User      string
	Mounts    []Mount
	Resources Resources
}

// Progress is one image pull event.
type Progress struct {
	ID       string
	Status   string
	Progress string
	Error    string
}

// Engine is the container engine surface the build runner uses.
type Engine interface {
	// Ping checks that the engine is reachable.
	Ping(ctx context.Context) error

	// PullImage pulls ref for platform, reporting every stream event to
	// progress, and returns the resolved image id.
	PullImage(ctx context.Context, ref, platform string, progress func(Progress)) (string, error)

	// PruneDanglingImages removes untagged images and returns the bytes
	// reclaimed.
	PruneDanglingImages(ctx context.Context) (uint64, error)

	// CreateContainer creates a stopped container and returns its id.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// CopyToContainer extracts a (optionally gzip-compressed) tarball at dst.
	CopyToContainer(ctx context.Context, id, dst string, tarball io.Reader) error

	// Attach returns the container's combined stdout and stderr. The stream
	// ends when the container stops or is removed.
	Attach(ctx context.Context, id string) (io.ReadCloser, error)

	StartContainer(ctx context.Context, id string) error

	// WaitContainer blocks until the container is not running and returns
	// its exit code.
	WaitContainer(ctx context.Context, id string) (int64, error)

	// KillContainer sends SIGKILL.
	KillContainer(ctx context.Context, id string) error

	// RemoveContainer force-removes the container, killing it if needed.
	RemoveContainer(ctx context.Context, id string) error

	Close() error
}

// PlatformFor maps a pacman architecture to an OCI platform string.
func PlatformFor(arch string) string {
	switch arch {
	case "x86_64", "any":
		return "linux/amd64"
	case "aarch64":
		return "linux/arm64"
	case "armv7h":
		return "linux/arm/v7"
	case "i686":
		return "linux/386"
	case "riscv64":
		return "linux/riscv64"
	default:
		return "linux/" + arch
	}
}
