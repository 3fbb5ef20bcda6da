// Package sandbox validates file paths attached to requests. A path is
// accepted only when its canonical resolution lies under an allowed directory
// prefix and matches none of the hard-deny patterns guarding credential
// locations.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/oxidehq/oxide/internal/fault"
	"github.com/oxidehq/oxide/internal/logging"
)

// denyPatterns match canonical paths that are never readable regardless of
// the allow-list: system credential stores, SSH/AWS/GPG material, root's
// home.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^/etc/(passwd|shadow|sudoers)`),
	regexp.MustCompile(`(^|/)\.ssh(/|$)`),
	regexp.MustCompile(`(^|/)\.aws(/|$)`),
	regexp.MustCompile(`(^|/)\.gnupg(/|$)`),
	regexp.MustCompile(`^/root(/|$)`),
	regexp.MustCompile(`(^|/)id_(rsa|ed25519|ecdsa)[^/]*$`),
	regexp.MustCompile(`(^|/)Library/Keychains(/|$)`),
}

// Validator holds the mutable allow-list. Safe for concurrent use.
type Validator struct {
	mu      sync.RWMutex
	allowed []string // canonical absolute prefixes, insertion order
	log     zerolog.Logger
}

// New builds a validator from the configured allow-list. Directories that
// cannot be canonicalised (typically: they do not exist yet) are kept in
// cleaned absolute form so they start working once created.
func New(allowedDirs []string) *Validator {
	v := &Validator{log: logging.Component("sandbox")}
	for _, dir := range allowedDirs {
		v.Allow(dir)
	}
	return v
}

// Allow adds a directory prefix at runtime. Duplicates are ignored.
func (v *Validator) Allow(dir string) {
	canon := canonicalizeDir(dir)
	if canon == "" {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, existing := range v.allowed {
		if existing == canon {
			return
		}
	}
	v.allowed = append(v.allowed, canon)
}

// Allowed returns a copy of the current allow-list.
func (v *Validator) Allowed() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.allowed))
	copy(out, v.allowed)
	return out
}

// Validate canonicalises path and returns it when it is acceptable. All
// rejections are fault.Security and logged with the offending canonical path.
func (v *Validator) Validate(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", v.reject(path, "empty path")
	}
	if strings.HasPrefix(path, "~") {
		return "", v.reject(path, "home-relative path")
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return "", v.reject(path, "parent traversal")
		}
	}

	canon, err := canonicalize(path)
	if err != nil {
		return "", v.reject(path, "cannot canonicalise: %v", err)
	}

	for _, pat := range denyPatterns {
		if pat.MatchString(canon) {
			return "", v.reject(canon, "matches denied pattern %s", pat)
		}
	}

	if !v.underAllowed(canon) {
		return "", v.reject(canon, "outside allowed directories")
	}

	return canon, nil
}

// IsAllowed is the non-raising variant of Validate.
func (v *Validator) IsAllowed(path string) bool {
	_, err := v.Validate(path)
	return err == nil
}

func (v *Validator) underAllowed(canon string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, prefix := range v.allowed {
		if canon == prefix || strings.HasPrefix(canon, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (v *Validator) reject(path, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	v.log.Warn().Str("path", path).Str("reason", reason).Msg("path rejected")
	return fault.Security("path %q rejected: %s", path, reason)
}

// canonicalize resolves symlinks and returns an absolute cleaned path. A
// missing leaf is tolerated: its parent is resolved and the base re-joined,
// so adapters can report the miss themselves.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

// canonicalizeDir is canonicalize for allow-list entries; tilde expanded,
// and a missing directory falls back to the cleaned absolute path.
func canonicalizeDir(dir string) string {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, dir[1:])
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return filepath.Clean(abs)
}
