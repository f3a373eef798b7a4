package gitwatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackwatch/stackwatch/internal/config"
)

func TestFingerprintMissingPathYieldsZeroHash(t *testing.T) {
	base := t.TempDir()
	w := New(base)
	repoDir := filepath.Join(base, "repos", "app")
	require.NoError(t, os.MkdirAll(repoDir, 0o755))

	entries, err := w.Fingerprint(config.GitRepository{ID: "app"}, "deadbeef", []string{"does-not-exist.yml"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0", entries[0].ContentHash)
	assert.Equal(t, "does-not-exist.yml", entries[0].Path)
}

func TestFingerprintHashesMatchedFiles(t *testing.T) {
	base := t.TempDir()
	w := New(base)
	repoDir := filepath.Join(base, "repos", "app")
	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "docker-compose.yml"), []byte("services: {}\n"), 0o644))

	entries, err := w.Fingerprint(config.GitRepository{ID: "app"}, "deadbeef", []string{"docker-compose.yml"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEqual(t, "0", entries[0].ContentHash)
	assert.Equal(t, "deadbeef", entries[0].ResolvedRef)
}

func TestDirIsStableUnderBaseDir(t *testing.T) {
	w := New("/var/lib/stackwatch")
	assert.Equal(t, "/var/lib/stackwatch/repos/app", w.Dir("app"))
}
