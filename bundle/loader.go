package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MapLoader serves sources from memory; tests and the StreamBuffer path
// use it.
type MapLoader map[string]string

// Load returns the stored source.
func (m MapLoader) Load(canonical string) (string, error) {
	src, ok := m[canonical]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, canonical)
	}
	return src, nil
}

// DirLoader reads .pc files under a workspace root directory. Every read
// is confined to the canonicalized root: the joined path is resolved
// through symlinks and must stay inside it.
type DirLoader struct {
	root string
}

// NewDirLoader canonicalizes the workspace root.
func NewDirLoader(root string) (*DirLoader, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	return &DirLoader{root: resolved}, nil
}

// Root returns the canonical workspace root.
func (l *DirLoader) Root() string { return l.root }

// Load reads one workspace file.
func (l *DirLoader) Load(canonical string) (string, error) {
	if !strings.HasPrefix(canonical, "/") || strings.Contains(canonical, "..") {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, canonical)
	}
	full := filepath.Join(l.root, filepath.FromSlash(canonical))

	// A symlink inside the workspace must not lead outside it.
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, canonical)
		}
		return "", err
	}
	if resolved != l.root && !strings.HasPrefix(resolved, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, canonical)
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, canonical)
		}
		return "", err
	}
	return string(content), nil
}
