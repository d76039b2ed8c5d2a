package repo

import (
	"strings"

	"github.com/aurcache/aurcache/pkg/errors"
)

// Artifact is a built package file name split by the pacman convention
// name-pkgver-pkgrel-arch.pkg.tar.*.
type Artifact struct {
	Filename string
	Name     string
	Version  string // pkgver-pkgrel, epoch included
	Arch     string
}

// ParseArtifactName splits filename into its name, version and arch.
func ParseArtifactName(filename string) (Artifact, error) {
	stem, _, ok := strings.Cut(filename, ".pkg.")
	if !ok {
		return Artifact{}, errors.Errorf(errors.KindInvalid, "parse_artifact", "%q is not a package archive", filename)
	}
	parts := strings.Split(stem, "-")
	n := len(parts)
	if n < 4 || parts[0] == "" {
		return Artifact{}, errors.Errorf(errors.KindInvalid, "parse_artifact", "%q has fewer than 4 name segments", filename)
	}
	return Artifact{
		Filename: filename,
		Name:     strings.Join(parts[:n-3], "-"),
		Version:  parts[n-3] + "-" + parts[n-2],
		Arch:     parts[n-1],
	}, nil
}
