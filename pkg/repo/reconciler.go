package repo

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/aurcache/aurcache/pkg/archive"
	"github.com/aurcache/aurcache/pkg/db"
	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/metrics"
)

// Mirror receives repository changes after they are committed.
type Mirror interface {
	Upload(ctx context.Context, rel, localPath string) error
	Delete(ctx context.Context, rel string) error
}

// MirrorLister is a Mirror that can enumerate what it holds, letting Sweep
// find objects no File row describes.
type MirrorLister interface {
	Mirror
	ListObjects(ctx context.Context, rel string) ([]string, error)
}

// Reconciler publishes build output into the repository store.
type Reconciler struct {
	db       *db.Repository
	store    *Store
	mirror   Mirror
	recorder metrics.Recorder
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMirror uploads committed changes to m.
func WithMirror(m Mirror) Option { return func(r *Reconciler) { r.mirror = m } }

// WithRecorder sets the metrics recorder.
func WithRecorder(rec metrics.Recorder) Option { return func(r *Reconciler) { r.recorder = rec } }

// NewReconciler returns a reconciler over repo and store.
func NewReconciler(repo *db.Repository, store *Store, opts ...Option) *Reconciler {
	r := &Reconciler{db: repo, store: store, recorder: metrics.NoopRecorder{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Store returns the repository tree.
func (r *Reconciler) Store() *Store { return r.store }

// Result summarises one reconciliation.
type Result struct {
	Added     []string
	Repointed []string
	Retained  []string
	Purged    []string
	Version   string
}

// Reconcile moves the artifacts in outDir into platform's repository,
// links them to pkg and releases the files pkg no longer produces. All
// row changes commit in one transaction; file and archive changes made
// before a failed commit stay in place.
func (r *Reconciler) Reconcile(ctx context.Context, pkg *db.Package, buildID int64, platform, outDir string) (*Result, error) {
	res, err := r.reconcile(ctx, pkg, buildID, platform, outDir)
	if err != nil {
		r.recorder.IncReconcile(metrics.ResultFailed)
		slog.Error("reconcile_failed", "package", pkg.Name, "build_id", buildID, "platform", platform, "error", err)
		return nil, errors.E(errors.KindReconcile, "reconcile", err)
	}
	r.recorder.IncReconcile(metrics.ResultSuccess)
	r.recorder.AddPurgedFiles(len(res.Purged))

	slog.Info("reconcile_complete", "package", pkg.Name, "build_id", buildID, "platform", platform,
		"added", len(res.Added), "repointed", len(res.Repointed), "retained", len(res.Retained), "purged", len(res.Purged))

	r.mirrorChanges(ctx, platform, res.Added, res.Purged)
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, pkg *db.Package, buildID int64, platform, outDir string) (*Result, error) {
	artifacts, err := collectArtifacts(outDir)
	if err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, errors.Errorf(errors.KindReconcile, "reconcile", "build produced no artifacts in %s", outDir)
	}

	unlock := r.store.Lock(platform)
	defer unlock()

	if err := r.store.EnsurePlatform(platform); err != nil {
		return nil, err
	}
	database := r.store.Database(platform)

	res := &Result{}
	err = r.db.WithTx(ctx, func(tx *db.Tx) error {
		before, err := tx.PackageFiles(ctx, pkg.ID, platform)
		if err != nil {
			return err
		}

		fresh := map[int64]bool{}
		byName := map[string]int64{}
		freshEntries := map[string]bool{}
		for _, a := range artifacts {
			parsed, err := archive.ReadPackage(filepath.Join(outDir, a.Filename), r.store.Limits)
			if err != nil {
				return err
			}
			if err := moveFile(filepath.Join(outDir, a.Filename), r.store.Path(platform, a.Filename)); err != nil {
				return errors.Wrap(err, "failed to move "+a.Filename)
			}
			f, created, err := tx.FindOrCreateFile(ctx, a.Filename, platform)
			if err != nil {
				return err
			}
			if err := tx.LinkPackageFile(ctx, pkg.ID, f.ID); err != nil {
				return err
			}
			if err := database.AddPackage(ctx, parsed); err != nil {
				return err
			}

			slog.Info("reconcile_artifact_added", "filename", a.Filename, "file_id", f.ID, "new", created)
			fresh[f.ID] = true
			byName[a.Name] = f.ID
			freshEntries[archive.EntryPrefix(a.Filename)] = true
			res.Added = append(res.Added, a.Filename)
		}

		for _, old := range before {
			if fresh[old.ID] {
				continue
			}
			deps, err := tx.Dependents(ctx, old.ID, pkg.ID)
			if err != nil {
				return err
			}

			if len(deps) > 0 {
				replacement, ok := int64(0), false
				if oa, err := ParseArtifactName(old.Filename); err == nil {
					replacement, ok = byName[oa.Name]
				}
				if !ok {
					slog.Info("reconcile_file_retained", "filename", old.Filename, "dependents", len(deps))
					res.Retained = append(res.Retained, old.Filename)
					continue
				}
				if err := tx.RepointLinks(ctx, old.ID, replacement, deps); err != nil {
					return err
				}
				res.Repointed = append(res.Repointed, old.Filename)
			}

			purged, err := r.release(ctx, tx, database, pkg.ID, old, freshEntries)
			if err != nil {
				return err
			}
			if purged {
				res.Purged = append(res.Purged, old.Filename)
			}
		}

		res.Version = resolveVersion(pkg.Name, artifacts)
		return tx.SetBuildVersion(ctx, buildID, res.Version)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// release drops pkgID's link to f and purges f once nothing links to it.
// Archive entries shared with a freshly added artifact are kept.
func (r *Reconciler) release(ctx context.Context, tx *db.Tx, database archive.Database, pkgID int64, f db.File, keep map[string]bool) (bool, error) {
	if err := tx.UnlinkPackageFile(ctx, pkgID, f.ID); err != nil {
		return false, err
	}
	n, err := tx.CountLinks(ctx, f.ID)
	if err != nil || n > 0 {
		return false, err
	}
	if err := r.purge(ctx, tx, database, f, keep); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) purge(ctx context.Context, tx *db.Tx, database archive.Database, f db.File, keep map[string]bool) error {
	if !keep[archive.EntryPrefix(f.Filename)] {
		if _, err := database.Remove(ctx, f.Filename); err != nil {
			return err
		}
	}
	if err := os.Remove(r.store.Path(f.Platform, f.Filename)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete artifact")
	}
	if err := tx.DeleteFile(ctx, f.ID); err != nil {
		return err
	}
	slog.Info("reconcile_file_purged", "filename", f.Filename, "platform", f.Platform, "file_id", f.ID)
	return nil
}

// RemovePackage deletes a package and purges every file it was the last
// link to.
func (r *Reconciler) RemovePackage(ctx context.Context, pkgID int64) ([]string, error) {
	files, err := r.db.AllPackageFiles(ctx, pkgID)
	if err != nil {
		return nil, err
	}
	platforms := make([]string, 0, len(files))
	for _, f := range files {
		platforms = append(platforms, f.Platform)
	}

	unlock := r.store.Lock(platforms...)
	defer unlock()

	var purged []db.File
	err = r.db.WithTx(ctx, func(tx *db.Tx) error {
		files, err := tx.AllPackageFiles(ctx, pkgID)
		if err != nil {
			return err
		}
		if err := tx.DeletePackage(ctx, pkgID); err != nil {
			return err
		}
		for _, f := range files {
			n, err := tx.CountLinks(ctx, f.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			if err := r.purge(ctx, tx, r.store.Database(f.Platform), f, nil); err != nil {
				return err
			}
			purged = append(purged, f)
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(errors.KindReconcile, "remove_package", err)
	}

	r.recorder.AddPurgedFiles(len(purged))
	names := make([]string, 0, len(purged))
	byPlatform := map[string][]string{}
	for _, f := range purged {
		names = append(names, f.Filename)
		byPlatform[f.Platform] = append(byPlatform[f.Platform], f.Filename)
	}
	for platform, gone := range byPlatform {
		r.mirrorChanges(ctx, platform, nil, gone)
	}
	slog.Info("package_removed", "package_id", pkgID, "purged", len(purged))
	return names, nil
}

// SweepResult lists what Sweep removed, or would remove on a dry run.
type SweepResult struct {
	UnlinkedFiles []db.File // rows with no package link
	Untracked     []string  // artifacts on disk without a row
	MirrorStale   []string  // mirror objects without a linked row
}

// Sweep purges File rows nothing links to and deletes artifacts on disk
// that no row describes. With a listing mirror it also deletes mirrored
// artifacts that are not live.
func (r *Reconciler) Sweep(ctx context.Context, dryRun bool) (*SweepResult, error) {
	res := &SweepResult{}
	unlinked, err := r.db.UnlinkedFiles(ctx)
	if err != nil {
		return nil, err
	}
	res.UnlinkedFiles = unlinked

	platforms, err := r.store.Platforms()
	if err != nil {
		return nil, err
	}
	known, err := r.db.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	tracked := map[string]bool{}
	for _, f := range known {
		tracked[filepath.Join(f.Platform, f.Filename)] = true
	}
	gone := map[string][]string{} // platform to filenames leaving the store
	for _, platform := range platforms {
		entries, err := os.ReadDir(r.store.PlatformDir(platform))
		if err != nil {
			return nil, errors.Wrap(err, "failed to read platform dir")
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || !strings.Contains(e.Name(), ".pkg.") {
				continue
			}
			rel := filepath.Join(platform, e.Name())
			if !tracked[rel] {
				res.Untracked = append(res.Untracked, rel)
				gone[platform] = append(gone[platform], e.Name())
			}
		}
	}
	// unlinked rows are files on disk, not untracked ones, but they are not live
	for _, f := range unlinked {
		delete(tracked, filepath.Join(f.Platform, f.Filename))
		gone[f.Platform] = append(gone[f.Platform], f.Filename)
	}

	if !dryRun {
		for _, f := range unlinked {
			unlock := r.store.Lock(f.Platform)
			err := r.db.WithTx(ctx, func(tx *db.Tx) error {
				return r.purge(ctx, tx, r.store.Database(f.Platform), f, nil)
			})
			unlock()
			if err != nil {
				return nil, err
			}
		}
		for _, rel := range res.Untracked {
			if err := os.Remove(filepath.Join(r.store.Root, rel)); err != nil && !os.IsNotExist(err) {
				return nil, errors.Wrap(err, "failed to delete untracked artifact")
			}
			slog.Info("sweep_untracked_removed", "path", rel)
		}
		r.recorder.AddPurgedFiles(len(unlinked))
		for platform, names := range gone {
			r.mirrorChanges(ctx, platform, nil, names)
		}
	}

	res.MirrorStale, err = r.sweepMirror(ctx, platforms, tracked, dryRun)
	return res, err
}

// sweepMirror deletes mirrored artifacts of platforms that are not in live.
func (r *Reconciler) sweepMirror(ctx context.Context, platforms []string, live map[string]bool, dryRun bool) ([]string, error) {
	lister, ok := r.mirror.(MirrorLister)
	if !ok {
		return nil, nil
	}
	var (
		stale []string
		errs  []error
	)
	for _, platform := range platforms {
		objects, err := lister.ListObjects(ctx, platform+"/")
		if err != nil {
			return stale, errors.E(errors.KindReconcile, "sweep", err)
		}
		for _, rel := range objects {
			name := path.Base(rel)
			if !strings.Contains(name, ".pkg.") || live[filepath.Join(platform, name)] {
				continue
			}
			stale = append(stale, rel)
			if dryRun {
				continue
			}
			if err := lister.Delete(ctx, rel); err != nil {
				errs = append(errs, err)
				continue
			}
			slog.Info("sweep_mirror_object_removed", "key", rel)
		}
	}
	if len(errs) > 0 {
		return stale, errors.E(errors.KindReconcile, "sweep", errors.Join(errs...))
	}
	return stale, nil
}

func (r *Reconciler) mirrorChanges(ctx context.Context, platform string, added, purged []string) {
	if r.mirror == nil {
		return
	}
	upload := slices.Concat(added, []string{IndexName, FilesName})
	for _, name := range upload {
		if err := r.mirror.Upload(ctx, platform+"/"+name, r.store.Path(platform, name)); err != nil {
			slog.Warn("mirror_upload_failed", "platform", platform, "filename", name, "error", err)
		}
	}
	for _, name := range purged {
		if err := r.mirror.Delete(ctx, platform+"/"+name); err != nil {
			slog.Warn("mirror_delete_failed", "platform", platform, "filename", name, "error", err)
		}
	}
}

// collectArtifacts parses every package archive in dir. One unparseable
// name fails the whole set.
func collectArtifacts(dir string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read build output")
	}
	var out []Artifact
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), ".sig") {
			continue
		}
		a, err := ParseArtifactName(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// resolveVersion prefers the artifact named after the package, which
// split packages and -debug outputs would otherwise shadow.
func resolveVersion(name string, artifacts []Artifact) string {
	for _, a := range artifacts {
		if a.Name == name {
			return a.Version
		}
	}
	return artifacts[0].Version
}

// Verify reports File rows that have no package link. A healthy store
// returns none.
func (r *Reconciler) Verify(ctx context.Context) ([]db.File, error) {
	return r.db.UnlinkedFiles(ctx)
}
