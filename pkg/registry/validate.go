package registry

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"foreman/pkg/protocol"
)

// forbiddenDirs are path segments never writable through foreman:
// build artifacts, dependency caches, VCS metadata, and foreman's own
// state directory.
var forbiddenDirs = map[string]bool{ //nolint:gochecknoglobals // static deny list
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
	".foreman":     true,
}

// ForbiddenDir reports whether a directory name is on the writable-path
// deny list. The consistency verifier uses it to skip the same trees
// ValidatePath refuses to write into.
func ForbiddenDir(name string) bool {
	return forbiddenDirs[name]
}

// encodedTraversal lists URL-encoded fragments used to smuggle
// traversal or separator characters past naive checks.
var encodedTraversal = []string{"%2e", "%2f", "%5c", "%00"} //nolint:gochecknoglobals // static deny list

// ValidatePath checks a candidate path against every security and
// naming rule. It runs no filesystem mutation and must be called before
// any registry or filesystem change. A nil return means the path is
// safe; otherwise the error is a *protocol.PathViolationError carrying
// the reason. Violations are security-relevant: callers record them as
// SECURITY_VIOLATION events.
func (r *Registry) ValidatePath(path, ticketID string) error {
	reject := func(reason string) error {
		return &protocol.PathViolationError{Path: path, Reason: reason}
	}

	if path == "" {
		return reject("empty path")
	}
	for _, ch := range path {
		if ch == 0 || unicode.IsControl(ch) {
			return reject("control or null character")
		}
	}
	if strings.ContainsRune(path, '\\') {
		return reject("backslash separator")
	}
	lower := strings.ToLower(path)
	for _, enc := range encodedTraversal {
		if strings.Contains(lower, enc) {
			return reject("encoded traversal sequence")
		}
	}

	// Absolute paths are allowed only when they resolve inside the root.
	clean := path
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(r.root, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			return reject("absolute path outside workspace root")
		}
		clean = rel
	}
	clean = filepath.Clean(clean)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return reject("path traversal")
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return reject("path traversal")
		}
		if forbiddenDirs[seg] {
			return reject("forbidden directory: " + seg)
		}
	}

	if err := r.checkNaming(clean); err != nil {
		return err
	}
	if err := r.checkSymlinks(clean); err != nil {
		return err
	}
	_ = ticketID // reserved for per-ticket path policies
	return nil
}

// checkNaming enforces the per-category naming convention: UI component
// files are PascalCase, ordinary source files must not contain spaces.
func (r *Registry) checkNaming(clean string) error {
	base := filepath.Base(clean)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	switch ext {
	case ".tsx", ".jsx":
		if !isPascalCase(stem) {
			return &protocol.PathViolationError{
				Path:   clean,
				Reason: "UI component files must be PascalCase",
			}
		}
	default:
		if strings.ContainsAny(base, " \t") {
			return &protocol.PathViolationError{
				Path:   clean,
				Reason: "whitespace in filename",
			}
		}
	}
	return nil
}

// isPascalCase accepts names like Button or UserCard: leading upper
// letter, alphanumeric remainder.
func isPascalCase(s string) bool {
	if s == "" {
		return false
	}
	runes := []rune(s)
	if !unicode.IsUpper(runes[0]) {
		return false
	}
	for _, ch := range runes {
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

// checkSymlinks rejects paths with a symlinked component anywhere under
// the root. Only components that exist are inspected; missing segments
// are fine (the path may be about to be created).
func (r *Registry) checkSymlinks(clean string) error {
	cur := r.root
	for _, seg := range strings.Split(clean, "/") {
		cur = filepath.Join(cur, seg)
		info, err := os.Lstat(cur)
		if err != nil {
			return nil //nolint:nilerr // missing component = path being created
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return &protocol.PathViolationError{Path: clean, Reason: "symbolic link component"}
		}
	}
	return nil
}
