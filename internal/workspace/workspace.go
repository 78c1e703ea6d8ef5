// Package workspace implements the per-connection workspace allocator:
// it creates an isolated directory tree per connection and rejects any
// path resolution that would escape that root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrPathEscape is returned by Resolve when a path resolves outside the
// workspace root.
var ErrPathEscape = errors.New("workspace: resolved path escapes workspace root")

// Allocator creates and resolves paths under a configured root directory.
// If root is empty, ./workspaces under the working directory is used.
type Allocator struct {
	root string
}

// NewAllocator builds an Allocator rooted at root. If root is empty, it
// falls back to "./workspaces" relative to the process's working
// directory.
func NewAllocator(root string) (*Allocator, error) {
	if root == "" {
		root = "workspaces"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: create root: %w", err)
	}
	return &Allocator{root: abs}, nil
}

// Workspace is a single allocated, per-connection directory.
type Workspace struct {
	ID   string
	Path string
	root string
}

// Allocate creates a new subdirectory <root>/<uuid> and returns a handle to
// it.
func (a *Allocator) Allocate() (*Workspace, error) {
	id := uuid.NewString()
	dir := filepath.Join(a.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: allocate %s: %w", id, err)
	}
	return &Workspace{ID: id, Path: dir, root: a.root}, nil
}

// Resolve resolves rel against the workspace root and rejects any result
// that escapes it.
func (w *Workspace) Resolve(rel string) (string, error) {
	joined := filepath.Join(w.Path, rel)
	cleaned, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve %q: %w", rel, err)
	}
	root, err := filepath.Abs(w.Path)
	if err != nil {
		return "", fmt.Errorf("workspace: resolve root: %w", err)
	}
	if escapesRoot(cleaned, root) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return cleaned, nil
}

// escapesRoot reports whether path, relative to root, climbs above root.
func escapesRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return true
	}
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
