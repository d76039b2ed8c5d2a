package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aurcache/aurcache/pkg/source"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "aurcache.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGetPackage(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pkg := &Package{
		Name:       "yay-bin",
		Platforms:  []string{"x86_64", "aarch64"},
		BuildFlags: []string{"--nocheck"},
		Source:     source.Aur{Name: "yay-bin"},
	}
	if err := repo.CreatePackage(ctx, pkg); err != nil {
		t.Fatalf("failed to create package: %v", err)
	}

	retrieved, err := repo.GetPackageByName(ctx, "yay-bin")
	if err != nil {
		t.Fatalf("failed to get package: %v", err)
	}
	if retrieved == nil || retrieved.ID != pkg.ID {
		t.Fatalf("retrieved package mismatch: got %+v, want id %d", retrieved, pkg.ID)
	}
	if retrieved.Status != PackageEnqueued {
		t.Errorf("status = %s, want %s", retrieved.Status, PackageEnqueued)
	}
	if len(retrieved.Platforms) != 2 || retrieved.Platforms[1] != "aarch64" {
		t.Errorf("platform order not preserved: %v", retrieved.Platforms)
	}
	if retrieved.Source != (source.Aur{Name: "yay-bin"}) {
		t.Errorf("source mismatch: %#v", retrieved.Source)
	}

	missing, err := repo.GetPackage(ctx, 999)
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing package, got %v, %v", missing, err)
	}
}

func TestRepository_BuildLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pkg := &Package{Name: "foo", Platforms: []string{"x86_64"}, Source: source.Aur{Name: "foo"}}
	repo.CreatePackage(ctx, pkg)

	build := &Build{PackageID: pkg.ID, Platform: "x86_64"}
	if err := repo.CreateBuild(ctx, build); err != nil {
		t.Fatalf("failed to create build: %v", err)
	}

	start := time.Unix(1700000000, 0)
	if err := repo.MarkActive(ctx, pkg.ID, build.ID, start); err != nil {
		t.Fatalf("failed to mark active: %v", err)
	}
	repo.AppendBuildLog(ctx, build.ID, "line one\n")
	repo.AppendBuildLog(ctx, build.ID, "line two\n")

	err := repo.WithTx(ctx, func(tx *Tx) error {
		return tx.FinishBuild(ctx, pkg.ID, build.ID, BuildSuccessful, PackageSuccessful, start.Add(time.Minute))
	})
	if err != nil {
		t.Fatalf("failed to finish build: %v", err)
	}

	got, _ := repo.GetBuild(ctx, build.ID)
	if got.Status != BuildSuccessful || !got.Terminal() {
		t.Errorf("build status = %s, want %s", got.Status, BuildSuccessful)
	}
	if got.Output != "line one\nline two\n" {
		t.Errorf("unexpected output %q", got.Output)
	}
	if got.StartTime == nil || !got.StartTime.Equal(start) {
		t.Errorf("start time = %v, want %v", got.StartTime, start)
	}
	if got.EndTime == nil || got.EndTime.Sub(*got.StartTime) != time.Minute {
		t.Errorf("end time = %v", got.EndTime)
	}

	updated, _ := repo.GetPackage(ctx, pkg.ID)
	if updated.Status != PackageSuccessful || updated.LatestBuild != build.ID {
		t.Errorf("package not updated: %+v", updated)
	}
}

func TestRepository_OutOfDateClearedBySuccess(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	pkg := &Package{Name: "foo", Platforms: []string{"x86_64"}, Source: source.Aur{Name: "foo"}}
	if err := repo.CreatePackage(ctx, pkg); err != nil {
		t.Fatalf("failed to create package: %v", err)
	}
	if err := repo.SetOutOfDate(ctx, pkg.ID, true); err != nil {
		t.Fatalf("failed to flag package: %v", err)
	}

	finish := func(buildStatus, pkgStatus string) {
		t.Helper()
		b := &Build{PackageID: pkg.ID, Platform: "x86_64"}
		if err := repo.CreateBuild(ctx, b); err != nil {
			t.Fatalf("failed to create build: %v", err)
		}
		err := repo.WithTx(ctx, func(tx *Tx) error {
			return tx.FinishBuild(ctx, pkg.ID, b.ID, buildStatus, pkgStatus, time.Now())
		})
		if err != nil {
			t.Fatalf("failed to finish build: %v", err)
		}
	}

	finish(BuildFailed, PackageFailed)
	if got, _ := repo.GetPackage(ctx, pkg.ID); !got.OutOfDate {
		t.Error("failed build cleared out_of_date")
	}

	finish(BuildSuccessful, PackageSuccessful)
	if got, _ := repo.GetPackage(ctx, pkg.ID); got.OutOfDate {
		t.Error("successful build left out_of_date set")
	}
}

func TestRepository_CancelUnknownBuild(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.CancelBuild(context.Background(), 42, time.Now()); err == nil {
		t.Error("expected error cancelling unknown build")
	}
}

func TestRepository_FileLinks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := &Package{Name: "a", Source: source.Aur{Name: "a"}}
	b := &Package{Name: "b", Source: source.Aur{Name: "b"}}
	repo.CreatePackage(ctx, a)
	repo.CreatePackage(ctx, b)

	old, created, err := repo.FindOrCreateFile(ctx, "shared-1-1-x86_64.pkg.tar.zst", "x86_64")
	if err != nil || !created {
		t.Fatalf("expected new file, got created=%v err=%v", created, err)
	}
	again, created, _ := repo.FindOrCreateFile(ctx, "shared-1-1-x86_64.pkg.tar.zst", "x86_64")
	if created || again.ID != old.ID {
		t.Errorf("identical filename should be reused")
	}
	repo.LinkPackageFile(ctx, a.ID, old.ID)
	repo.LinkPackageFile(ctx, b.ID, old.ID)
	repo.LinkPackageFile(ctx, b.ID, old.ID)

	if n, _ := repo.CountLinks(ctx, old.ID); n != 2 {
		t.Fatalf("expected 2 links, got %d", n)
	}
	deps, _ := repo.Dependents(ctx, old.ID, a.ID)
	if len(deps) != 1 || deps[0] != b.ID {
		t.Errorf("dependents = %v, want [%d]", deps, b.ID)
	}

	next, _, _ := repo.FindOrCreateFile(ctx, "shared-2-1-x86_64.pkg.tar.zst", "x86_64")
	before, _ := repo.CountAllLinks(ctx)
	if err := repo.RepointLinks(ctx, old.ID, next.ID, []int64{a.ID, b.ID}); err != nil {
		t.Fatalf("repoint failed: %v", err)
	}
	after, _ := repo.CountAllLinks(ctx)
	if before != after {
		t.Errorf("repoint changed link count: %d -> %d", before, after)
	}
	if n, _ := repo.CountLinks(ctx, next.ID); n != 2 {
		t.Errorf("expected both packages on new file, got %d", n)
	}

	unlinked, _ := repo.UnlinkedFiles(ctx)
	if len(unlinked) != 1 || unlinked[0].ID != old.ID {
		t.Errorf("expected old file to be unlinked, got %+v", unlinked)
	}

	if err := repo.DeletePackage(ctx, a.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if n, _ := repo.CountLinks(ctx, next.ID); n != 1 {
		t.Errorf("package delete should cascade links, got %d", n)
	}
}
