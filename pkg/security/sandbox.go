// Package security guards filesystem access performed on behalf of agent
// tool calls: identifiers coming from the model never escape the session
// directory they belong to.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrPathNotAllowed is returned when a path escapes the configured roots.
	ErrPathNotAllowed = errors.New("security: path outside allowed roots")
	// ErrUnsafeComponent is returned for identifiers that would traverse
	// directories when joined into a path.
	ErrUnsafeComponent = errors.New("security: unsafe path component")
)

// Sandbox validates that resolved paths stay within registered roots.
type Sandbox struct {
	mu        sync.RWMutex
	allowList []string
}

// NewSandbox creates a sandbox rooted at dir.
func NewSandbox(dir string) *Sandbox {
	root := normalizePath(dir)
	if root == "" {
		root = string(filepath.Separator)
	}
	return &Sandbox{allowList: []string{root}}
}

// Allow registers an additional absolute prefix paths may resolve under.
func (s *Sandbox) Allow(path string) {
	normalized := normalizePath(path)
	if normalized == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.allowList {
		if existing == normalized {
			return
		}
	}
	s.allowList = append(s.allowList, normalized)
}

// ValidatePath ensures the path resolves within the sandbox allow list.
func (s *Sandbox) ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("security: empty path supplied")
	}
	abs := normalizePath(path)

	s.mu.RLock()
	allowCopy := append([]string(nil), s.allowList...)
	s.mu.RUnlock()

	for _, allowed := range allowCopy {
		if withinRoot(abs, allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrPathNotAllowed, abs)
}

// ValidateComponent rejects identifiers unusable as a single path element.
// Task and workspace IDs pass through here before they touch the disk.
func ValidateComponent(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrUnsafeComponent)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrUnsafeComponent, name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q", ErrUnsafeComponent, name)
	}
	return nil
}

// SafeJoin joins elems under root and verifies the cleaned result did not
// escape it. The returned path is absolute.
func SafeJoin(root string, elems ...string) (string, error) {
	base := normalizePath(root)
	if base == "" {
		return "", fmt.Errorf("security: empty root")
	}
	joined := filepath.Join(append([]string{base}, elems...)...)
	joined = filepath.Clean(joined)
	if !withinRoot(joined, base) {
		return "", fmt.Errorf("%w: %s", ErrPathNotAllowed, joined)
	}
	return joined, nil
}

func normalizePath(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

func withinRoot(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	path = filepath.Clean(path)
	prefix = filepath.Clean(prefix)

	if path == prefix {
		return true
	}
	if prefix == string(filepath.Separator) {
		return true
	}
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
