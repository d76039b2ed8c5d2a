package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/aurcache/aurcache/internal/config"
	"github.com/aurcache/aurcache/pkg/db"
	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/repo"
	"github.com/aurcache/aurcache/pkg/storage"
)

var _ repo.MirrorLister = (*storage.Client)(nil)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath string, dirs ...string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed by commands that build)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create "+dir)
		}
	}

	return nil
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// openRepository opens the database, creating its directory.
func openRepository(cfg *config.Config) (*db.Repository, error) {
	if err := ensureDirectories(cfg.SQLitePath, ""); err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}

// lookupPackage resolves a package by name.
func lookupPackage(ctx context.Context, repo *db.Repository, name string) (*db.Package, error) {
	pkg, err := repo.GetPackageByName(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "package lookup failed")
	}
	if pkg == nil {
		return nil, errors.Wrap(errors.ErrNotFound, "package "+name)
	}
	return pkg, nil
}

// newReconciler builds the reconciler over cfg's repository tree, mirroring
// to S3 when a bucket is configured.
func newReconciler(ctx context.Context, cfg *config.Config, repository *db.Repository, opts ...repo.Option) (*repo.Reconciler, error) {
	if cfg.S3Bucket != "" {
		s3Client, err := storage.NewClient(ctx, storage.Options{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			return nil, errors.Wrap(err, "S3 client failed")
		}
		opts = append(opts, repo.WithMirror(s3Client))
	}
	return repo.NewReconciler(repository, repo.NewStore(cfg.RepoDir, cfg.Limits()), opts...), nil
}
