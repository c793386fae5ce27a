package editor

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ensemble-ai/ensemble/internal/core"
)

// resolve validates a caller-supplied relative path and returns the
// absolute on-disk path under the manager's root. Absolute paths,
// volume-qualified paths, and any form of `..` escape are rejected.
// Symlinks are followed only while their target stays under the root.
func (m *Manager) resolve(requested string) (string, error) {
	if requested == "" {
		requested = "."
	}
	clean := filepath.Clean(requested)

	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", core.ErrAccessDenied("absolute paths are not allowed")
	}
	// Unix-style absolute paths on Windows are still external.
	if clean[0] == '/' {
		return "", core.ErrAccessDenied("absolute paths are not allowed")
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", core.ErrAccessDenied("path escapes workspace root")
	}

	abs := filepath.Join(m.root, clean)
	if !isPathWithinDir(m.rootReal, abs) {
		return "", core.ErrAccessDenied("path escapes workspace root")
	}
	return resolveExistingPathWithinRoot(abs, m.rootReal)
}

// relFromRoot converts an absolute path back to the manager-relative form.
func (m *Manager) relFromRoot(abs string) string {
	rel, err := filepath.Rel(m.rootReal, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func canonicalizeRoot(root string) (rootAbs string, rootReal string, err error) {
	rootAbs, err = filepath.Abs(root)
	if err != nil {
		return "", "", err
	}
	rootReal = rootAbs
	if rr, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootReal = rr
	}
	return rootAbs, rootReal, nil
}

// resolveExistingPathWithinRoot resolves symlinks for existing paths and
// re-checks confinement; non-existent paths pass through so callers can
// decide how to handle NotFound versus create.
func resolveExistingPathWithinRoot(abs, rootReal string) (string, error) {
	_, err := os.Lstat(abs)
	if err == nil {
		realPath, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return "", core.ErrIO("resolving path", err)
		}
		if !isPathWithinDir(rootReal, realPath) {
			return "", core.ErrAccessDenied("symlink target escapes workspace root")
		}
		return realPath, nil
	}
	if os.IsNotExist(err) {
		return abs, nil
	}
	return "", core.ErrIO("stat path", err)
}

func isPathWithinDir(root, path string) bool {
	normalizedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		normalizedRoot, _ = filepath.Abs(root)
	}
	normalizedPath := normalizePathWithAncestors(path)

	rel, err := filepath.Rel(normalizedRoot, normalizedPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}

// normalizePathWithAncestors resolves symlinks in the nearest existing
// ancestor so confinement checks hold for not-yet-created paths.
func normalizePathWithAncestors(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	current := absPath
	var nonExistingParts []string

	for {
		if _, err := os.Stat(current); err == nil {
			if resolved, err := filepath.EvalSymlinks(current); err == nil {
				for i := len(nonExistingParts) - 1; i >= 0; i-- {
					resolved = filepath.Join(resolved, nonExistingParts[i])
				}
				return resolved
			}
			break
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		nonExistingParts = append(nonExistingParts, filepath.Base(current))
		current = parent
	}

	return filepath.Clean(absPath)
}

// isBinaryContent sniffs the first 8 KiB for NUL bytes.
func isBinaryContent(content []byte) bool {
	checkLen := len(content)
	if checkLen > 8192 {
		checkLen = 8192
	}
	for i := 0; i < checkLen; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}
