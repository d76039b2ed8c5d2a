package runner

import (
	"archive/tar"
	"bytes"
	"fmt"
	"strings"
	"time"
)

const (
	pacmanConfDir   = "/etc"
	mirrorMountPath = "/etc/pacman.d/mirrors"
	defaultMirrors  = "/etc/pacman.d/mirrorlist"
)

// pacmanConf renders the pacman.conf injected into build containers.
func pacmanConf(arch, mirrorlist string) []byte {
	repos := []string{"core", "extra"}
	switch arch {
	case "x86_64":
		repos = append(repos, "multilib")
	case "aarch64", "armv7h":
		repos = append(repos, "alarm")
	}

	var b strings.Builder
	b.WriteString("[options]\n")
	b.WriteString("HoldPkg = pacman glibc\n")
	fmt.Fprintf(&b, "Architecture = %s\n", arch)
	b.WriteString("CheckSpace\n")
	b.WriteString("ParallelDownloads = 5\n")
	b.WriteString("SigLevel = Required DatabaseOptional\n")
	b.WriteString("LocalFileSigLevel = Optional\n")
	for _, r := range repos {
		fmt.Fprintf(&b, "\n[%s]\nInclude = %s\n", r, mirrorlist)
	}
	return []byte(b.String())
}

// singleFileTar wraps one file in a tar stream for CopyToContainer.
func singleFileTar(name string, body []byte) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(body)),
		ModTime: time.Now(),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(body); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
