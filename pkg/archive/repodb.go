package archive

import (
	"archive/tar"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/security"
)

// Database is one platform's repository database pair.
type Database struct {
	IndexPath string // repo.db.tar.gz: desc entries
	FilesPath string // repo.files.tar.gz: desc and files entries
	Limits    security.Limits
}

type member struct {
	name string
	body []byte
}

// Add reads the package archive at packagePath and appends its entries to
// both archives. Entries for the same name and version are replaced.
func (d Database) Add(ctx context.Context, packagePath string) (*Package, error) {
	pkg, err := ReadPackage(packagePath, d.Limits)
	if err != nil {
		return nil, err
	}
	if err := d.AddPackage(ctx, pkg); err != nil {
		return nil, err
	}
	return pkg, nil
}

// AddPackage appends an already parsed package to both archives.
func (d Database) AddPackage(ctx context.Context, pkg *Package) error {
	dir := pkg.DirName()
	desc := pkg.Desc()
	drop := underDir(dir)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := rewrite(ctx, d.IndexPath, drop, []member{
			{name: dir + "/"},
			{name: dir + "/desc", body: desc},
		})
		return errors.Wrap(err, "index archive")
	})
	g.Go(func() error {
		_, err := rewrite(ctx, d.FilesPath, drop, []member{
			{name: dir + "/"},
			{name: dir + "/desc", body: desc},
			{name: dir + "/files", body: pkg.FilesList()},
		})
		return errors.Wrap(err, "files archive")
	})
	if err := g.Wait(); err != nil {
		slog.Error("repodb_add_failed", "package", dir, "index", d.IndexPath, "error", err)
		return errors.E(errors.KindReconcile, "repodb_add", err)
	}

	slog.Info("repodb_package_added", "package", dir, "filename", pkg.Filename, "index", d.IndexPath)
	return nil
}

// Remove drops every entry belonging to the artifact filename from both
// archives. It reports whether anything was removed; archives without a
// matching entry are left untouched.
func (d Database) Remove(ctx context.Context, filename string) (bool, error) {
	prefix := EntryPrefix(filename)
	if prefix == "" {
		return false, errors.Errorf(errors.KindInvalid, "repodb_remove", "cannot derive entry name from %q", filename)
	}
	drop := underDir(prefix)

	var changedIndex, changedFiles bool
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		changedIndex, err = rewrite(ctx, d.IndexPath, drop, nil)
		return errors.Wrap(err, "index archive")
	})
	g.Go(func() (err error) {
		changedFiles, err = rewrite(ctx, d.FilesPath, drop, nil)
		return errors.Wrap(err, "files archive")
	})
	if err := g.Wait(); err != nil {
		slog.Error("repodb_remove_failed", "filename", filename, "index", d.IndexPath, "error", err)
		return false, errors.E(errors.KindReconcile, "repodb_remove", err)
	}

	if changedIndex || changedFiles {
		slog.Info("repodb_package_removed", "entry", prefix, "index", d.IndexPath)
	}
	return changedIndex || changedFiles, nil
}

// EntryPrefix maps an artifact filename to its name-version directory by
// cutting at the last hyphen, which drops the arch and extension.
func EntryPrefix(filename string) string {
	i := strings.LastIndex(filename, "-")
	if i <= 0 {
		return ""
	}
	return filename[:i]
}

func underDir(dir string) func(string) bool {
	return func(name string) bool {
		name = strings.TrimSuffix(name, "/")
		return name == dir || strings.HasPrefix(name, dir+"/")
	}
}

// rewrite streams path into a sibling temp file, skipping entries matched
// by drop and appending extra, then renames it over path. A missing path
// reads as an empty archive. Nothing is written when no entry was dropped
// and extra is empty.
func rewrite(ctx context.Context, path string, drop func(string) bool, extra []member) (changed bool, err error) {
	type kept struct {
		hdr  *tar.Header
		body []byte
	}
	var entries []kept

	in, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return false, err
	default:
		defer in.Close()
		gz, err := gzip.NewReader(in)
		if err != nil {
			return false, errors.Wrap(err, "gzip")
		}
		tr := tar.NewReader(gz)
		for {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return false, errors.Wrap(err, "tar read error")
			}
			if drop(hdr.Name) {
				changed = true
				continue
			}
			body, err := io.ReadAll(tr)
			if err != nil {
				return false, err
			}
			entries = append(entries, kept{hdr: hdr, body: body})
		}
		gz.Close()
	}

	if !changed && len(extra) == 0 {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	gzw := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gzw)
	for _, e := range entries {
		if err := tw.WriteHeader(e.hdr); err != nil {
			return false, err
		}
		if _, err := tw.Write(e.body); err != nil {
			return false, err
		}
	}

	now := time.Now().Truncate(time.Second)
	for _, m := range extra {
		hdr := &tar.Header{Name: m.name, ModTime: now, Format: tar.FormatPAX}
		if strings.HasSuffix(m.name, "/") {
			hdr.Typeflag, hdr.Mode = tar.TypeDir, 0o755
		} else {
			hdr.Typeflag, hdr.Mode, hdr.Size = tar.TypeReg, 0o644, int64(len(m.body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return false, err
		}
		if _, err := tw.Write(m.body); err != nil {
			return false, err
		}
	}

	if err := tw.Close(); err != nil {
		return false, err
	}
	if err := gzw.Close(); err != nil {
		return false, err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, err
	}
	return true, nil
}
