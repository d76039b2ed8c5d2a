package db

import (
	"time"

	"github.com/aurcache/aurcache/pkg/source"
)

// Schema defines the SQLite database schema for packages, builds and the
// reference-counted repository file store. A files row exists only while at
// least one packages_files row points at it.
const Schema = `
CREATE TABLE IF NOT EXISTS packages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL CHECK(status IN ('enqueued', 'active', 'successful', 'failed')),
    out_of_date INTEGER NOT NULL DEFAULT 0,
    platforms TEXT NOT NULL DEFAULT '[]',
    build_flags TEXT NOT NULL DEFAULT '[]',
    source_type TEXT NOT NULL,
    source_data TEXT NOT NULL DEFAULT '{}',
    latest_build INTEGER,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS builds (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pkg_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
    platform TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('enqueued', 'active', 'successful', 'failed', 'cancelled')),
    start_time INTEGER,
    end_time INTEGER,
    output TEXT NOT NULL DEFAULT '',
    version TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_builds_pkg_id ON builds(pkg_id);
CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);

CREATE TABLE IF NOT EXISTS files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    filename TEXT NOT NULL,
    platform TEXT NOT NULL,
    UNIQUE(filename, platform)
);

CREATE TABLE IF NOT EXISTS packages_files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    package_id INTEGER NOT NULL REFERENCES packages(id) ON DELETE CASCADE,
    file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    UNIQUE(package_id, file_id)
);

CREATE INDEX IF NOT EXISTS idx_packages_files_file_id ON packages_files(file_id);
`

// Package status constants
const (
	PackageEnqueued   = "enqueued"
	PackageActive     = "active"
	PackageSuccessful = "successful"
	PackageFailed     = "failed"
)

// Build status constants
const (
	BuildEnqueued   = "enqueued"
	BuildActive     = "active"
	BuildSuccessful = "successful"
	BuildFailed     = "failed"
	BuildCancelled  = "cancelled"
)

// Package is a buildable source with its target platforms.
type Package struct {
	ID          int64
	Name        string
	Status      string
	OutOfDate   bool
	Platforms   []string
	BuildFlags  []string
	Source      source.Source
	LatestBuild int64
	CreatedAt   string
	UpdatedAt   string
}

// Build is one build attempt of a package for one platform.
type Build struct {
	ID        int64
	PackageID int64
	Platform  string
	Status    string
	StartTime *time.Time
	EndTime   *time.Time
	Output    string
	Version   string
}

// Terminal reports whether the build can no longer change status.
func (b *Build) Terminal() bool {
	switch b.Status {
	case BuildSuccessful, BuildFailed, BuildCancelled:
		return true
	}
	return false
}

// File is one artifact present in a platform's repository directory.
type File struct {
	ID       int64
	Filename string
	Platform string
}

// PackageFile links a package to a file it owns.
type PackageFile struct {
	ID        int64
	PackageID int64
	FileID    int64
}
