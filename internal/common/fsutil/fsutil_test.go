package fsutil

import (
	"path/filepath"
	"testing"
)

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home) // windows

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"absolute untouched", "/var/lib/runnerd", "/var/lib/runnerd"},
		{"relative untouched", "models/tiny.gguf", "models/tiny.gguf"},
		{"bare tilde", "~", home},
		{"models dir", "~/.local/share/runnerd/models", filepath.Join(home, ".local/share/runnerd/models")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := ExpandHome(c.in)
			if err != nil {
				t.Fatalf("ExpandHome(%q): %v", c.in, err)
			}
			if got != c.want {
				t.Fatalf("ExpandHome(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}
