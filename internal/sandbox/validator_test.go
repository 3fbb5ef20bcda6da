package sandbox

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidehq/oxide/internal/fault"
)

func newTestValidator(t *testing.T) (*Validator, string) {
	t.Helper()
	dir := t.TempDir()
	// TempDir may sit behind a symlink (notably /var on macOS).
	canon, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return New([]string{canon}), canon
}

func TestValidateAcceptsFileUnderAllowedDir(t *testing.T) {
	v, dir := newTestValidator(t)

	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	canon, err := v.Validate(path)
	require.NoError(t, err)
	assert.Equal(t, path, canon)
	assert.True(t, v.IsAllowed(path))
}

func TestValidateAcceptsMissingLeaf(t *testing.T) {
	// A file that does not exist yet is still path-checked; adapters report
	// the miss themselves.
	v, dir := newTestValidator(t)

	canon, err := v.Validate(filepath.Join(dir, "not-there.go"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "not-there.go"), canon)
}

func TestValidateRejections(t *testing.T) {
	v, dir := newTestValidator(t)

	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"tilde", "~/secrets.txt"},
		{"parent traversal", filepath.Join(dir, "..", "escape.txt")},
		{"outside allowed", "/usr/lib/libc.so"},
		{"etc passwd", "/etc/passwd"},
		{"ssh key", filepath.Join(dir, ".ssh", "id_rsa")},
		{"aws credentials", filepath.Join(dir, ".aws", "credentials")},
		{"root home", "/root/.bashrc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.path)
			require.Error(t, err)
			assert.Equal(t, fault.KindSecurity, fault.KindOf(err))
			assert.False(t, v.IsAllowed(tt.path))
		})
	}
}

func TestValidateFollowsSymlinkOutOfSandbox(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs privileges on windows")
	}
	v, dir := newTestValidator(t)

	outside := t.TempDir()
	target := filepath.Join(outside, "target.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	link := filepath.Join(dir, "innocent.txt")
	require.NoError(t, os.Symlink(target, link))

	// The canonical resolution escapes the allow-list, so the link is
	// rejected even though its own location is allowed.
	_, err := v.Validate(link)
	require.Error(t, err)
	assert.Equal(t, fault.KindSecurity, fault.KindOf(err))
}

func TestAllowDeduplicatesAndExtends(t *testing.T) {
	v, dir := newTestValidator(t)

	extra := t.TempDir()
	canon, err := filepath.EvalSymlinks(extra)
	require.NoError(t, err)

	before := len(v.Allowed())
	v.Allow(extra)
	v.Allow(extra)
	v.Allow(dir) // already present

	assert.Equal(t, before+1, len(v.Allowed()))

	path := filepath.Join(canon, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("y"), 0o644))
	assert.True(t, v.IsAllowed(path))
}
