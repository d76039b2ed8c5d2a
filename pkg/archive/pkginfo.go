// Package archive reads pacman package archives and maintains the
// repository database pair (repo.db.tar.gz and repo.files.tar.gz) that
// pacman clients download.
package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/aurcache/aurcache/pkg/errors"
	"github.com/aurcache/aurcache/pkg/security"
)

const pkginfoName = ".PKGINFO"

var (
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz   = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
	magicGzip = []byte{0x1f, 0x8b}
)

// Info is the metadata a package carries in its .PKGINFO member.
type Info struct {
	Name      string
	Base      string
	Version   string
	Desc      string
	Size      string
	URL       string
	Arch      string
	BuildDate string
	Packager  string

	Groups       []string
	Licenses     []string
	Depends      []string
	Conflicts    []string
	Provides     []string
	OptDepends   []string
	MakeDepends  []string
	CheckDepends []string
	Replaces     []string
}

// Package is a parsed package archive.
type Package struct {
	Filename string // base name of the archive
	Info     Info
	CSize    int64
	MD5Sum   string
	SHA256   string
	Files    []string // every member path, in archive order
}

// DirName is the per-package directory inside the repository database.
func (p *Package) DirName() string {
	return p.Info.Name + "-" + p.Info.Version
}

// ReadPackage opens a .pkg.tar.zst or .pkg.tar.xz archive, parses its
// .PKGINFO and digests the compressed bytes.
func ReadPackage(path string, limits security.Limits) (*Package, error) {
	validator := limits.NewValidator()

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open package")
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat package")
	}
	if err := validator.ValidateArchiveSize(fi.Size()); err != nil {
		return nil, errors.E(errors.KindInvalid, "read_package", err)
	}

	md5h, sha := md5.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(md5h, sha), f); err != nil {
		return nil, errors.Wrap(err, "failed to digest package")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "failed to rewind package")
	}

	pkg := &Package{
		Filename: filepath.Base(path),
		CSize:    fi.Size(),
		MD5Sum:   hex.EncodeToString(md5h.Sum(nil)),
		SHA256:   hex.EncodeToString(sha.Sum(nil)),
	}

	r, closeFn, err := decompress(f)
	if err != nil {
		return nil, errors.E(errors.KindInvalid, "read_package", errors.Wrap(err, pkg.Filename))
	}
	defer closeFn()

	var pkginfo []byte
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "tar read error")
		}
		if err := validator.AddEntry(); err != nil {
			return nil, errors.E(errors.KindInvalid, "read_package", err)
		}
		if err := validator.ValidatePath(hdr.Name); err != nil {
			return nil, errors.E(errors.KindInvalid, "read_package", err)
		}

		name := strings.TrimPrefix(hdr.Name, "./")
		pkg.Files = append(pkg.Files, name)

		if name == pkginfoName && hdr.Typeflag == tar.TypeReg {
			if err := validator.ValidatePKGINFOSize(hdr.Size); err != nil {
				return nil, errors.E(errors.KindInvalid, "read_package", err)
			}
			if pkginfo, err = io.ReadAll(tr); err != nil {
				return nil, errors.Wrap(err, "failed to read .PKGINFO")
			}
		}
	}

	if pkginfo == nil {
		return nil, errors.Errorf(errors.KindInvalid, "read_package", "%s has no %s", pkg.Filename, pkginfoName)
	}
	if pkg.Info, err = ParseInfo(pkginfo); err != nil {
		return nil, errors.E(errors.KindInvalid, "read_package", errors.Wrap(err, pkg.Filename))
	}

	slog.Debug("package_read", "filename", pkg.Filename, "name", pkg.Info.Name,
		"version", pkg.Info.Version, "entries", len(pkg.Files), "csize", pkg.CSize)
	return pkg, nil
}

// decompress sniffs the compression magic and returns a tar stream.
func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(magicXz))
	if err != nil && err != io.EOF {
		return nil, nil, errors.Wrap(err, "failed to read archive header")
	}

	switch {
	case bytes.HasPrefix(head, magicZstd):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, errors.Wrap(err, "zstd")
		}
		return dec, dec.Close, nil
	case bytes.HasPrefix(head, magicXz):
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, nil, errors.Wrap(err, "xz")
		}
		return xr, func() {}, nil
	case bytes.HasPrefix(head, magicGzip):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, errors.Wrap(err, "gzip")
		}
		return gz, func() { gz.Close() }, nil
	default:
		return nil, nil, errors.New("unknown package compression")
	}
}

// ParseInfo parses .PKGINFO "key = value" lines. Repeatable keys
// accumulate in order, all others keep the last value seen.
func ParseInfo(data []byte) (Info, error) {
	var info Info
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		switch key {
		case "pkgname":
			info.Name = value
		case "pkgbase":
			info.Base = value
		case "pkgver":
			info.Version = value
		case "pkgdesc":
			info.Desc = value
		case "size":
			info.Size = value
		case "url":
			info.URL = value
		case "arch":
			info.Arch = value
		case "builddate":
			info.BuildDate = value
		case "packager":
			info.Packager = value
		case "group":
			info.Groups = append(info.Groups, value)
		case "license":
			info.Licenses = append(info.Licenses, value)
		case "depend":
			info.Depends = append(info.Depends, value)
		case "conflict":
			info.Conflicts = append(info.Conflicts, value)
		case "provides":
			info.Provides = append(info.Provides, value)
		case "optdepend":
			info.OptDepends = append(info.OptDepends, value)
		case "makedepend":
			info.MakeDepends = append(info.MakeDepends, value)
		case "checkdepend":
			info.CheckDepends = append(info.CheckDepends, value)
		case "replaces":
			info.Replaces = append(info.Replaces, value)
		}
	}
	if err := sc.Err(); err != nil {
		return info, err
	}

	if info.Name == "" || info.Version == "" {
		return info, errors.New("pkgname and pkgver are required")
	}
	return info, nil
}
