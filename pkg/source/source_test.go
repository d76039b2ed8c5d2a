package source

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/aurcache/aurcache/pkg/errors"
)

func TestMarshalRoundTrip(t *testing.T) {
	in := Git{URL: "https://example.com/pkgs.git", Ref: "main", Subfolder: "foo"}
	kind, data, err := Marshal(in)
	require.NoError(t, err)
	require.Equal(t, KindGit, kind)

	out, err := Unmarshal(kind, data)
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = Unmarshal("svn", "{}")
	require.Error(t, err)
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name     string
		src      Source
		flags    []string
		contains []string
		wantErr  errors.Kind
	}{
		{
			name:     "aur",
			src:      Aur{Name: "yay-bin"},
			flags:    []string{"--nocheck"},
			contains: []string{"sudo pacman -Sy", "pacman-key --init", "pacman-key --populate archlinux", "paru -S --noconfirm --noprogressbar --nocheck yay-bin"},
		},
		{
			name:     "git",
			src:      Git{URL: "https://example.com/x.git"},
			contains: []string{"pacman-key --populate archlinux && cd /tmp/src && paru -B --noconfirm --noprogressbar /tmp/src"},
		},
		{
			name:    "upload is unsupported",
			src:     Upload{Archive: "x.tar.gz"},
			wantErr: errors.KindUnsupported,
		},
		{
			name:    "aur without name",
			src:     Aur{},
			wantErr: errors.KindInvalid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := BuildCommand(tt.src, tt.flags)
			if tt.wantErr != "" {
				require.Error(t, err)
				require.Equal(t, tt.wantErr, errors.KindOf(err))
				return
			}
			require.NoError(t, err)
			require.Len(t, cmd, 3)
			require.Equal(t, []string{"bash", "-c"}, cmd[:2])
			for _, c := range tt.contains {
				require.Contains(t, cmd[2], c)
			}
		})
	}
}

func TestShellQuote(t *testing.T) {
	require.Equal(t, "foo-bar", shellQuote("foo-bar"))
	require.Equal(t, "'a b'", shellQuote("a b"))
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
	require.Equal(t, "'$(rm -rf /)'", shellQuote("$(rm -rf /)"))
}

func TestProvisionAurNeedsNothing(t *testing.T) {
	p, err := Provisioner{WorkDir: t.TempDir()}.Provision(context.Background(), Aur{Name: "foo"})
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestProvisionRejectsTraversal(t *testing.T) {
	_, err := Provisioner{WorkDir: t.TempDir()}.Provision(context.Background(), Git{URL: "https://example.com/x.git", Subfolder: "../../etc"})
	require.Error(t, err)
	require.Equal(t, errors.KindInvalid, errors.KindOf(err))
}

func TestProvisionUploadUnsupported(t *testing.T) {
	_, err := Provisioner{WorkDir: t.TempDir()}.Provision(context.Background(), Upload{})
	require.ErrorIs(t, err, errors.ErrUploadUnsupported)
}

func TestWriteTarball(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "PKGBUILD"), []byte("pkgname=foo\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "patches"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "patches", "fix.patch"), []byte("--- a\n"), 0o644))

	dst := filepath.Join(t.TempDir(), "src.tar.gz")
	require.NoError(t, WriteTarball(root, dst, 1000, 1000))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	contents := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, 1000, hdr.Uid)
		names = append(names, hdr.Name)
		if hdr.Typeflag == tar.TypeReg {
			b, err := io.ReadAll(tr)
			require.NoError(t, err)
			contents[hdr.Name] = string(b)
		}
	}
	sort.Strings(names)
	require.Equal(t, []string{"src/", "src/PKGBUILD", "src/patches/", "src/patches/fix.patch"}, names)
	require.Equal(t, "pkgname=foo\n", contents["src/PKGBUILD"])
	for _, n := range names {
		require.False(t, strings.Contains(n, ".git"), "git metadata leaked: %s", n)
	}
}
