package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSandboxValidatePath(t *testing.T) {
	root := tempDirClean(t)
	inside := filepath.Join(root, "dir", "file.txt")
	if err := os.MkdirAll(filepath.Dir(inside), 0o755); err != nil {
		t.Fatalf("mk inside: %v", err)
	}
	if err := os.WriteFile(inside, []byte("ok"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	outsideRoot := tempDirClean(t)
	outside := filepath.Join(outsideRoot, "escape.txt")
	if err := os.WriteFile(outside, []byte("nope"), 0o600); err != nil {
		t.Fatalf("write outside: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		allow   string
		wantErr string
	}{
		{"inside root allowed", inside, "", ""},
		{"outside root blocked", outside, "", ErrPathNotAllowed.Error()},
		{"additional allowlist enables path", outside, outsideRoot, ""},
		{"parent traversal blocked", filepath.Join(root, "..", "..", "etc", "passwd"), "", ErrPathNotAllowed.Error()},
		{"empty path rejected", "   ", "", "empty path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sandbox := NewSandbox(root)
			if tt.allow != "" {
				sandbox.Allow(tt.allow)
			}
			err := sandbox.ValidatePath(tt.path)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateComponent(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"plain id", "task-01HXYZ", false},
		{"empty", "  ", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"embedded slash", "a/b", true},
		{"embedded backslash", `a\b`, true},
		{"traversal segment", "../secrets", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateComponent(tt.value)
			if tt.wantErr && err == nil {
				t.Fatalf("expected rejection of %q", tt.value)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tt.value, err)
			}
		})
	}
}

func TestSafeJoin(t *testing.T) {
	root := tempDirClean(t)

	joined, err := SafeJoin(root, "sessions", "ws-1", "artifact.json")
	if err != nil {
		t.Fatalf("safe join: %v", err)
	}
	if !strings.HasPrefix(joined, root) {
		t.Fatalf("joined path %q escaped root %q", joined, root)
	}

	if _, err := SafeJoin(root, "..", "outside"); err == nil {
		t.Fatal("expected traversal to be rejected")
	}
	if _, err := SafeJoin(root, "nested", "..", "..", "outside"); err == nil {
		t.Fatal("expected nested traversal to be rejected")
	}
	// Traversal that stays inside the root is fine after cleaning.
	if _, err := SafeJoin(root, "nested", "..", "other"); err != nil {
		t.Fatalf("intra-root traversal should pass: %v", err)
	}
}

func TestSandboxAllowIgnoresInvalidEntries(t *testing.T) {
	t.Parallel()
	root := tempDirClean(t)
	sb := NewSandbox(root)
	initial := len(sb.allowList)

	sb.Allow("")              // ignored empty
	sb.Allow(sb.allowList[0]) // duplicate
	if len(sb.allowList) != initial {
		t.Fatalf("allow list changed for invalid inputs: %v", sb.allowList)
	}

	additional := filepath.Join(root, "extra")
	sb.Allow(additional)
	if len(sb.allowList) != initial+1 {
		t.Fatalf("expected exactly one new entry, got %d entries", len(sb.allowList))
	}
}

func TestNewSandboxDefaultsToRoot(t *testing.T) {
	t.Parallel()
	sb := NewSandbox("")
	if len(sb.allowList) != 1 || sb.allowList[0] != string(filepath.Separator) {
		t.Fatalf("unexpected allow list: %#v", sb.allowList)
	}
}

func TestWithinRootScenarios(t *testing.T) {
	t.Parallel()
	root := tempDirClean(t)
	child := filepath.Join(root, "child")
	if !withinRoot(child, root) {
		t.Fatalf("expected child inside root")
	}
	outside := filepath.Join(root, "..", "outside")
	if withinRoot(filepath.Clean(outside), root) {
		t.Fatalf("expected outside path to be rejected")
	}
	if withinRoot(child, "") {
		t.Fatalf("empty prefix should never allow access")
	}
	same := filepath.Join(root, "same")
	if !withinRoot(same, same) {
		t.Fatalf("path equal to prefix must be allowed")
	}
}

func tempDirClean(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	realDir, err := filepath.EvalSymlinks(dir)
	if err == nil {
		return realDir
	}
	return dir
}
