// Package errors provides error wrapping utilities and the build error
// taxonomy shared by the runner, the controller and the reconciler.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure by the subsystem that produced it.
type Kind string

const (
	KindOther       Kind = "other"
	KindEngine      Kind = "engine"      // container engine unreachable or API failure
	KindPull        Kind = "pull"        // image pull or image resolution failed
	KindBuild       Kind = "build"       // in-container build exited non-zero
	KindTimeout     Kind = "timeout"     // build exceeded its wall-clock budget
	KindReconcile   Kind = "reconcile"   // artifacts could not be published
	KindCancelled   Kind = "cancelled"   // operator cancelled the build
	KindNotRunning  Kind = "not_running" // cancel target is not in flight
	KindUnsupported Kind = "unsupported" // source kind without an implementation
	KindInvalid     Kind = "invalid"     // malformed input (filenames, PKGINFO, config)
)

var (
	// ErrNotRunning is returned when a cancel targets a build that has no
	// container in flight.
	ErrNotRunning = E(KindNotRunning, "cancel", stderrors.New("build not found or not currently running"))

	// ErrUploadUnsupported marks the Upload source kind, which has no build
	// command or provisioning step.
	ErrUploadUnsupported = E(KindUnsupported, "source", stderrors.New("upload sources are not supported"))

	// ErrNotFound is returned by lookups that found no row.
	ErrNotFound = stderrors.New("not found")
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Join is errors.Join.
func Join(errs ...error) error { return stderrors.Join(errs...) }

// As is errors.As.
func As(err error, target any) bool { return stderrors.As(err, target) }

// New is errors.New.
func New(text string) error { return stderrors.New(text) }
