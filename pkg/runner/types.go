package runner

import (
	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/source"
)

// BuildRequest is the FSM input
type BuildRequest struct {
	BuildID    int64
	PackageID  int64
	Package    string
	Platform   string
	Flags      []string
	SourceKind source.Kind
	SourceData string
}

// BuildResponse is the FSM output (accumulated across transitions)
type BuildResponse struct {
	// From Preparing
	WorkDir   string
	OutputDir string

	// From PullingImage
	Image          string
	EnginePlatform string
	ImageID        string

	// From ContainerCreated
	ContainerName string
	ContainerID   string

	// From Running
	ExitCode int64

	// First failure; later states pass through until Finalize
	FailureKind errors.Kind
	Failure     string

	// From Finalize
	Status  string
	Version string
}

// Failed reports whether an earlier state recorded a failure.
func (r *BuildResponse) Failed() bool { return r.Failure != "" }

// State names
const (
	StatePreparing = "preparing"
	StatePulling   = "pulling_image"
	StateCreated   = "container_created"
	StateRunning   = "running"
	StateFinalize  = "finalize"
	StateDone      = "done"
)
