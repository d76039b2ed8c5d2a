// Package repo keeps the on-disk pacman repository and its File and
// PackageFile rows in step.
package repo

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"

	"github.com/aurcache/aurcache/pkg/archive"
	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/security"
)

const (
	IndexName     = "repo.db.tar.gz"
	FilesName     = "repo.files.tar.gz"
	IndexLinkName = "repo.db"
	FilesLinkName = "repo.files"
)

// Store is the repository tree rooted at Root, one directory per platform.
type Store struct {
	Root   string
	Limits security.Limits

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore returns a store rooted at root.
func NewStore(root string, limits security.Limits) *Store {
	return &Store{Root: root, Limits: limits, locks: map[string]*sync.Mutex{}}
}

// PlatformDir is the directory holding platform's artifacts and archives.
func (s *Store) PlatformDir(platform string) string {
	return filepath.Join(s.Root, platform)
}

// Path is the location of filename in platform's directory.
func (s *Store) Path(platform, filename string) string {
	return filepath.Join(s.PlatformDir(platform), filename)
}

// Database returns the archive pair for platform.
func (s *Store) Database(platform string) archive.Database {
	dir := s.PlatformDir(platform)
	return archive.Database{
		IndexPath: filepath.Join(dir, IndexName),
		FilesPath: filepath.Join(dir, FilesName),
		Limits:    s.Limits,
	}
}

// EnsurePlatform creates platform's directory and the unsuffixed symlinks
// pacman requests.
func (s *Store) EnsurePlatform(platform string) error {
	dir := s.PlatformDir(platform)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create platform dir")
	}
	for link, target := range map[string]string{IndexLinkName: IndexName, FilesLinkName: FilesName} {
		p := filepath.Join(dir, link)
		if cur, err := os.Readlink(p); err == nil && cur == target {
			continue
		}
		_ = os.Remove(p)
		if err := os.Symlink(target, p); err != nil {
			return errors.Wrap(err, "failed to link "+link)
		}
	}
	return nil
}

// Lock serialises archive rewrites per platform. The returned func unlocks.
func (s *Store) Lock(platforms ...string) func() {
	sorted := slices.Clone(platforms)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	s.mu.Lock()
	held := make([]*sync.Mutex, 0, len(sorted))
	for _, p := range sorted {
		l, ok := s.locks[p]
		if !ok {
			l = &sync.Mutex{}
			s.locks[p] = l
		}
		held = append(held, l)
	}
	s.mu.Unlock()

	for _, l := range held {
		l.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// Platforms lists platform directories present under Root.
func (s *Store) Platforms() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read repo dir")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// moveFile renames src to dst, replacing dst. Renames across filesystems
// fall back to copy and delete.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || linkErr.Err != syscall.EXDEV {
		return err
	}

	slog.Debug("repo_move_cross_device", "src", src, "dst", dst)
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Remove(src)
}
