// Package archivetest writes real pacman package archives for tests.
package archivetest

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression selects the package archive codec.
type Compression string

const (
	Zstd Compression = "zst"
	Xz   Compression = "xz"
)

// Package describes a fixture archive.
type Package struct {
	Name        string
	Version     string // pkgver-pkgrel
	Arch        string
	Compression Compression
	PKGINFO     string            // overrides the generated .PKGINFO when set
	Extra       []string          // additional "key = value" .PKGINFO lines
	Files       map[string]string // member path to contents
}

// Filename is the conventional artifact name for p.
func (p Package) Filename() string {
	c := p.Compression
	if c == "" {
		c = Zstd
	}
	return fmt.Sprintf("%s-%s-%s.pkg.tar.%s", p.Name, p.Version, p.arch(), c)
}

func (p Package) arch() string {
	if p.Arch == "" {
		return "x86_64"
	}
	return p.Arch
}

func (p Package) pkginfo() string {
	if p.PKGINFO != "" {
		return p.PKGINFO
	}
	var b strings.Builder
	b.WriteString("# Generated by makepkg\n")
	fmt.Fprintf(&b, "pkgname = %s\n", p.Name)
	fmt.Fprintf(&b, "pkgbase = %s\n", p.Name)
	fmt.Fprintf(&b, "pkgver = %s\n", p.Version)
	fmt.Fprintf(&b, "pkgdesc = %s test package\n", p.Name)
	fmt.Fprintf(&b, "arch = %s\n", p.arch())
	b.WriteString("size = 1024\n")
	b.WriteString("builddate = 1700000000\n")
	for _, l := range p.Extra {
		b.WriteString(l + "\n")
	}
	return b.String()
}

// Write creates the archive in dir and returns its path.
func Write(t testing.TB, dir string, p Package) string {
	t.Helper()

	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	add := func(name string, body []byte) {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), ModTime: time.Unix(1700000000, 0), Typeflag: tar.TypeReg}
		if strings.HasSuffix(name, "/") {
			hdr.Typeflag, hdr.Mode, hdr.Size = tar.TypeDir, 0o755, 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", name, err)
		}
		if _, err := tw.Write(body); err != nil {
			t.Fatalf("write body %s: %v", name, err)
		}
	}

	add(".PKGINFO", []byte(p.pkginfo()))
	add(".MTREE", []byte("#mtree\n"))
	names := make([]string, 0, len(p.Files))
	for n := range p.Files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		add(n, []byte(p.Files[n]))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}

	path := filepath.Join(dir, p.Filename())
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	var w io.WriteCloser
	switch p.Compression {
	case Xz:
		w, err = xz.NewWriter(f)
	default:
		w, err = zstd.NewWriter(f)
	}
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	if _, err := io.Copy(w, &raw); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close compressor: %v", err)
	}
	return path
}

// Entries reads a repository database archive into a name to contents map.
// A missing archive yields an empty map.
func Entries(t testing.TB, path string) map[string]string {
	t.Helper()

	out := map[string]string{}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return out
	}
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip %s: %v", path, err)
	}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar %s: %v", path, err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read %s: %v", hdr.Name, err)
		}
		out[hdr.Name] = string(body)
	}
	return out
}
