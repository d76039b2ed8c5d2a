package source

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/klauspost/compress/gzip"

	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/security"
)

// Payload is a gzip-compressed tarball that must be copied into the build
// container at Dest before the container starts.
type Payload struct {
	Path string
	Dest string
}

// Provisioner prepares host-side inputs for a build.
type Provisioner struct {
	WorkDir string // scratch directory, removed by the caller
	UID     int    // owner of uploaded files inside the container
	GID     int
	Limits  security.Limits
}

// Provision returns the payload src needs before start, or nil when the
// container can build from the network alone.
func (p Provisioner) Provision(ctx context.Context, src Source) (*Payload, error) {
	return Visit[*Payload](src, provisionVisitor{ctx: ctx, p: p})
}

type provisionVisitor struct {
	ctx context.Context
	p   Provisioner
}

func (v provisionVisitor) Aur(Aur) (*Payload, error) { return nil, nil }

func (v provisionVisitor) Upload(Upload) (*Payload, error) { return nil, errors.ErrUploadUnsupported }

func (v provisionVisitor) Git(g Git) (*Payload, error) {
	if g.URL == "" {
		return nil, errors.Errorf(errors.KindInvalid, "provision", "git source has no url")
	}
	validator := v.p.Limits.NewValidator()
	if g.Subfolder != "" {
		if err := validator.ValidatePath(g.Subfolder); err != nil {
			return nil, errors.E(errors.KindInvalid, "provision", err)
		}
	}

	cloneDir := filepath.Join(v.p.WorkDir, "checkout")
	if err := os.RemoveAll(cloneDir); err != nil {
		return nil, errors.Wrap(err, "failed to clear checkout dir")
	}

	slog.Info("git_clone_started", "url", g.URL, "ref", g.Ref, "path", cloneDir)
	if err := cloneRef(v.ctx, cloneDir, g); err != nil {
		slog.Error("git_clone_failed", "url", g.URL, "ref", g.Ref, "error", err)
		return nil, errors.Wrap(err, "failed to clone "+g.URL)
	}

	root := filepath.Join(cloneDir, filepath.FromSlash(g.Subfolder))
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		return nil, errors.Errorf(errors.KindInvalid, "provision", "subfolder %q not found in %s", g.Subfolder, g.URL)
	}

	tarball := filepath.Join(v.p.WorkDir, "source.tar.gz")
	if err := WriteTarball(root, tarball, v.p.UID, v.p.GID); err != nil {
		return nil, errors.Wrap(err, "failed to pack source tree")
	}
	if err := os.RemoveAll(cloneDir); err != nil {
		slog.Warn("checkout_cleanup_failed", "path", cloneDir, "error", err)
	}

	slog.Info("git_source_packed", "url", g.URL, "tarball", tarball)
	return &Payload{Path: tarball, Dest: GitUploadDir}, nil
}

// cloneRef checks out g.Ref as a branch, then as a tag, then as a commit.
func cloneRef(ctx context.Context, dir string, g Git) error {
	if g.Ref == "" {
		_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: g.URL, Depth: 1})
		return err
	}

	var lastErr error
	for _, ref := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(g.Ref),
		plumbing.NewTagReferenceName(g.Ref),
	} {
		_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:           g.URL,
			ReferenceName: ref,
			SingleBranch:  true,
			Depth:         1,
		})
		if err == nil {
			return nil
		}
		lastErr = err
		_ = os.RemoveAll(dir)
	}

	if !plumbing.IsHash(g.Ref) {
		return lastErr
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: g.URL})
	if err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(g.Ref)})
}

// WriteTarball packs root into a gzip tarball at dst. Entries are rooted at
// GitDirName and owned by uid:gid; .git directories are skipped.
func WriteTarball(root, dst string, uid, gid int) (err error) {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		name := GitDirName
		if rel != "." {
			name = path.Join(GitDirName, filepath.ToSlash(rel))
		}
		if d.IsDir() {
			name += "/"
		}
		hdr.Name = name
		hdr.Uid, hdr.Gid = uid, gid
		hdr.Uname, hdr.Gname = "", ""

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if walkErr != nil {
		return fmt.Errorf("walk %s: %w", root, walkErr)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
