package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeToken(t *testing.T, path, token string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(token+"\n"), 0o600))
}

func TestCredentialWatcher_ServesInitialToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, "initial-token")

	cw, err := NewCredentialWatcher(path, zerolog.Nop())
	require.NoError(t, err)
	defer cw.Stop()

	token, err := cw.Token()
	require.NoError(t, err)
	assert.Equal(t, "initial-token", token, "surrounding whitespace is trimmed")
}

func TestCredentialWatcher_MissingFile(t *testing.T) {
	_, err := NewCredentialWatcher(filepath.Join(t.TempDir(), "missing"), zerolog.Nop())
	assert.ErrorContains(t, err, "read credential file")
}

func TestCredentialWatcher_ReloadsOnRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, "old-token")

	cw, err := NewCredentialWatcher(path, zerolog.Nop())
	require.NoError(t, err)
	defer cw.Stop()

	writeToken(t, path, "new-token")

	assert.Eventually(t, func() bool {
		token, err := cw.Token()
		return err == nil && token == "new-token"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCredentialWatcher_SurvivesAtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	writeToken(t, path, "old-token")

	cw, err := NewCredentialWatcher(path, zerolog.Nop())
	require.NoError(t, err)
	defer cw.Stop()

	// Rotation tools write a temp file and rename it into place.
	tmp := filepath.Join(dir, "token.tmp")
	writeToken(t, tmp, "rotated-token")
	require.NoError(t, os.Rename(tmp, path))

	assert.Eventually(t, func() bool {
		token, err := cw.Token()
		return err == nil && token == "rotated-token"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCredentialWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	writeToken(t, path, "tok")

	cw, err := NewCredentialWatcher(path, zerolog.Nop())
	require.NoError(t, err)

	assert.NoError(t, cw.Stop())
	assert.NoError(t, cw.Stop())
}
