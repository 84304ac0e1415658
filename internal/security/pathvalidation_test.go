package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	captureDir := t.TempDir()

	// A file directly inside the capture directory is fine, existing or not.
	existing := filepath.Join(captureDir, "burst_60481.fil")
	if err := os.WriteFile(existing, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ValidatePathWithinDirectory(existing, captureDir); err != nil {
		t.Errorf("existing file rejected: %v", err)
	}
	if err := ValidatePathWithinDirectory(filepath.Join(captureDir, "pending.fil"), captureDir); err != nil {
		t.Errorf("not-yet-written file rejected: %v", err)
	}

	// Nested paths are fine too.
	nested := filepath.Join(captureDir, "2025", "06", "burst.fil")
	if err := ValidatePathWithinDirectory(nested, captureDir); err != nil {
		t.Errorf("nested path rejected: %v", err)
	}
}

func TestValidatePathRejectsTraversal(t *testing.T) {
	captureDir := t.TempDir()

	cases := []string{
		filepath.Join(captureDir, "..", "escape.fil"),
		filepath.Join(captureDir, "..", "..", "etc", "passwd"),
		"/etc/passwd",
	}
	for _, p := range cases {
		if err := ValidatePathWithinDirectory(p, captureDir); err == nil {
			t.Errorf("path %q accepted, want rejection", p)
		}
	}
}

func TestValidatePathRejectsSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	captureDir := filepath.Join(base, "captures")
	outside := filepath.Join(base, "outside")
	for _, d := range []string{captureDir, outside} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}

	link := filepath.Join(captureDir, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	if err := ValidatePathWithinDirectory(filepath.Join(link, "escape.fil"), captureDir); err == nil {
		t.Error("symlinked escape path accepted, want rejection")
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "unknown"},
		{"pulse-3c286", "pulse-3c286"},
		{"frb 2025/06/15", "frb_2025_06_15"},
		{"../../../etc", "etc"},
		{"___", "unknown"},
		{"a b  c", "a_b_c"},
		{"J0534+2200", "J0534_2200"},
	}
	for _, tc := range cases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
