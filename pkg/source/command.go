package source

import (
	"slices"
	"strings"

	"github.com/aurcache/aurcache/pkg/errors"
)

const (
	// OutputDir is where built artifacts land inside the build container.
	OutputDir = "/var/cache/makepkg/pkg"

	// GitUploadDir is the container directory the git tarball is extracted
	// into; its entries are rooted at GitDirName.
	GitUploadDir = "/tmp"
	GitDirName   = "src"
	GitBuildDir  = GitUploadDir + "/" + GitDirName

	helper = "paru"
)

var preamble = []string{
	"sudo pacman -Sy --noconfirm --noprogressbar",
	"sudo pacman-key --init",
	"sudo pacman-key --populate archlinux",
}

// BuildCommand returns the container command that builds src with flags.
func BuildCommand(src Source, flags []string) ([]string, error) {
	script, err := Visit[string](src, commandBuilder{flags: flags})
	if err != nil {
		return nil, err
	}
	return []string{"bash", "-c", script}, nil
}

type commandBuilder struct {
	flags []string
}

func (b commandBuilder) Aur(s Aur) (string, error) {
	if s.Name == "" {
		return "", errors.Errorf(errors.KindInvalid, "build command", "aur source has no package name")
	}
	args := append([]string{helper, "-S", "--noconfirm", "--noprogressbar"}, quoteAll(b.flags)...)
	args = append(args, shellQuote(s.Name))
	return chain(strings.Join(args, " ")), nil
}

func (b commandBuilder) Git(Git) (string, error) {
	args := append([]string{helper, "-B", "--noconfirm", "--noprogressbar"}, quoteAll(b.flags)...)
	args = append(args, GitBuildDir)
	return chain("cd "+GitBuildDir, strings.Join(args, " ")), nil
}

func (b commandBuilder) Upload(Upload) (string, error) {
	return "", errors.ErrUploadUnsupported
}

// chain runs the preamble followed by steps, stopping at the first failure.
func chain(steps ...string) string {
	return strings.Join(slices.Concat(preamble, steps), " && ")
}

func quoteAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		out = append(out, shellQuote(s))
	}
	return out
}

// shellQuote wraps s in single quotes unless it is made of safe characters.
func shellQuote(s string) string {
	safe := s != ""
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_.=/+:@", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
