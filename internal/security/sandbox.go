// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package security

import (
	"os"
	"path/filepath"
	"strings"

	tetherr "github.com/tether-dev/tether/pkg/errors"
)

// Sandbox validates filesystem paths against a single approved root. The
// root is canonicalized once at construction; every candidate path is
// resolved through symlinks before the containment check so a link cannot
// smuggle access outside the root.
type Sandbox struct {
	root string
}

// NewSandbox canonicalizes root and returns a validator bound to it. The
// root must be an absolute path to an existing directory.
func NewSandbox(root string) (*Sandbox, error) {
	if root == "" {
		return nil, tetherr.New(tetherr.CodeSandboxPathInvalid, "sandbox root must not be empty")
	}
	if !filepath.IsAbs(root) {
		return nil, tetherr.Errorf(tetherr.CodeSandboxPathInvalid, "sandbox root %q must be absolute", root)
	}

	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, tetherr.Wrapf(err, tetherr.CodeSandboxResolveError, "resolving sandbox root %q", root)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, tetherr.Wrapf(err, tetherr.CodeSandboxResolveError, "statting sandbox root %q", canonical)
	}
	if !info.IsDir() {
		return nil, tetherr.Errorf(tetherr.CodeSandboxPathInvalid, "sandbox root %q is not a directory", canonical)
	}

	return &Sandbox{root: canonical}, nil
}

// Root returns the canonical sandbox root.
func (s *Sandbox) Root() string {
	return s.root
}

// ValidatePath checks that candidate stays inside the sandbox root and
// returns its canonical absolute form. Relative candidates are resolved
// against the root. The check survives "..", symlink indirection, and
// trailing path components that do not exist yet.
func (s *Sandbox) ValidatePath(candidate string) (string, error) {
	if candidate == "" {
		return "", tetherr.New(tetherr.CodeSandboxPathInvalid, "path must not be empty")
	}
	if strings.ContainsRune(candidate, 0) {
		return "", tetherr.New(tetherr.CodeSandboxPathInvalid, "path contains NUL byte")
	}

	abs := candidate
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, abs)
	}
	abs = filepath.Clean(abs)

	// Lexical containment first. A candidate that escapes before symlink
	// resolution is denied outright rather than resolved.
	if !s.contains(abs) {
		return "", s.denied(candidate)
	}

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", tetherr.Wrapf(err, tetherr.CodeSandboxResolveError, "resolving path %q", candidate)
	}
	if !s.contains(resolved) {
		return "", s.denied(candidate)
	}
	return resolved, nil
}

func (s *Sandbox) contains(abs string) bool {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (s *Sandbox) denied(candidate string) error {
	return tetherr.New(tetherr.CodeSandboxPathDenied, "path escapes sandbox root",
		tetherr.Field("path", candidate))
}

// resolveExisting canonicalizes abs through symlinks. Only the final
// component may be missing (a file about to be created); in that case the
// parent is resolved and the leaf re-appended. A missing intermediate
// directory or a permission error fails resolution.
func resolveExisting(abs string) (string, error) {
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir, base := filepath.Split(filepath.Clean(abs))
	parent, err := filepath.EvalSymlinks(filepath.Clean(dir))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, base), nil
}
