package engine

import (
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

func TestPlatformFor(t *testing.T) {
	tests := map[string]string{
		"x86_64":  "linux/amd64",
		"aarch64": "linux/arm64",
		"armv7h":  "linux/arm/v7",
		"ppc64le": "linux/ppc64le",
	}
	for arch, want := range tests {
		require.Equal(t, want, PlatformFor(arch), arch)
	}
}

func TestParsePlatform(t *testing.T) {
	require.Nil(t, parsePlatform(""))
	require.Equal(t, &ocispec.Platform{OS: "linux", Architecture: "amd64"}, parsePlatform("linux/amd64"))
	require.Equal(t, &ocispec.Platform{OS: "linux", Architecture: "arm", Variant: "v7"}, parsePlatform("linux/arm/v7"))
}
