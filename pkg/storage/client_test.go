package storage

import "testing"

func TestKeyMapping(t *testing.T) {
	tests := []struct {
		prefix string
		rel    string
		key    string
	}{
		{"", "x86_64/repo.db.tar.gz", "x86_64/repo.db.tar.gz"},
		{"mirror", "x86_64/foo-1-1-x86_64.pkg.tar.zst", "mirror/x86_64/foo-1-1-x86_64.pkg.tar.zst"},
		{"a/b", "aarch64/repo.files.tar.gz", "a/b/aarch64/repo.files.tar.gz"},
	}
	for _, tt := range tests {
		c := &Client{prefix: tt.prefix}
		if got := c.Key(tt.rel); got != tt.key {
			t.Errorf("Key(%q) with prefix %q = %q, want %q", tt.rel, tt.prefix, got, tt.key)
		}
		if got := c.relative(tt.key); got != tt.rel {
			t.Errorf("relative(%q) with prefix %q = %q, want %q", tt.key, tt.prefix, got, tt.rel)
		}
	}
}
