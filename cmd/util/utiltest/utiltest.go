// Package utiltest holds helpers for tests of the jingle commands. It is imported only
// from _test.go files.
package utiltest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const systemConfig = "/etc/jingle/config.yaml"

// ConfigHome points HOME at a fresh temporary directory and returns the empty
// $HOME/.jingle directory the commands read config.yaml from. It fails the test when a
// system wide config file would be read instead.
func ConfigHome(t *testing.T) string {
	t.Helper()

	_, err := os.Stat(systemConfig)
	require.ErrorIs(t, err, os.ErrNotExist, "%s would shadow the test configuration", systemConfig)

	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".jingle")
	require.NoError(t, os.Mkdir(dir, 0o750))
	return dir
}

// WriteConfig writes contents as config.yaml under a fresh ConfigHome.
func WriteConfig(t *testing.T, contents string) {
	t.Helper()

	dir := ConfigHome(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o600))
}
