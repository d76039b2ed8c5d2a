// Package security guards the archive readers against hostile package
// archives and source trees.
package security

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
)

// Limits bounds what a single package archive or source tarball may contain.
type Limits struct {
	MaxArchiveSize int64 // compressed bytes of one package archive
	MaxEntries     int   // tar members in one archive
	MaxPKGINFOSize int64 // bytes of the .PKGINFO member
}

// DefaultLimits are used when configuration leaves a limit at zero.
var DefaultLimits = Limits{
	MaxArchiveSize: 4 * 1024 * 1024 * 1024,
	MaxEntries:     500000,
	MaxPKGINFOSize: 1024 * 1024,
}

func (l Limits) withDefaults() Limits {
	if l.MaxArchiveSize <= 0 {
		l.MaxArchiveSize = DefaultLimits.MaxArchiveSize
	}
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultLimits.MaxEntries
	}
	if l.MaxPKGINFOSize <= 0 {
		l.MaxPKGINFOSize = DefaultLimits.MaxPKGINFOSize
	}
	return l
}

// NewValidator returns a validator with fresh counters. One validator
// covers exactly one archive.
func (l Limits) NewValidator() *Validator {
	return &Validator{limits: l.withDefaults()}
}

// Validator tracks per-archive counters against Limits.
type Validator struct {
	limits Limits

	mu      sync.Mutex
	entries int
}

// ValidatePath rejects absolute paths and paths that climb out of their
// root. Used for tar member names and git subfolders alike.
func (v *Validator) ValidatePath(p string) error {
	if strings.HasPrefix(p, "/") {
		slog.Error("security_path_validation_failed", "path", p, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", p)
	}

	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		slog.Error("security_path_validation_failed", "path", p, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", p)
	}

	return nil
}

// ValidateArchiveSize checks the compressed size of a package archive.
func (v *Validator) ValidateArchiveSize(size int64) error {
	if size > v.limits.MaxArchiveSize {
		slog.Error("security_archive_size_exceeded",
			"archive_size_mb", size/1024/1024,
			"max_archive_size_mb", v.limits.MaxArchiveSize/1024/1024)
		return fmt.Errorf("security: archive size %d exceeds max %d", size, v.limits.MaxArchiveSize)
	}
	return nil
}

// ValidatePKGINFOSize checks the declared size of the .PKGINFO member.
func (v *Validator) ValidatePKGINFOSize(size int64) error {
	if size > v.limits.MaxPKGINFOSize {
		return fmt.Errorf("security: .PKGINFO size %d exceeds max %d", size, v.limits.MaxPKGINFOSize)
	}
	return nil
}

// AddEntry counts one tar member and checks the entry cap.
func (v *Validator) AddEntry() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.entries++
	if v.entries > v.limits.MaxEntries {
		slog.Error("security_entry_count_exceeded", "entries", v.entries, "max_entries", v.limits.MaxEntries)
		return fmt.Errorf("security: archive has more than %d entries", v.limits.MaxEntries)
	}
	return nil
}

// Entries returns the number of members counted so far.
func (v *Validator) Entries() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entries
}
