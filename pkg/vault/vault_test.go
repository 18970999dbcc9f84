package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")

	v, err := Open(path, testKey(0x11), logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, v.Store("ledger.signing_seed", "super-secret", "ledger"))

	got, err := v.Retrieve("ledger.signing_seed")
	require.NoError(t, err)
	assert.Equal(t, "super-secret", got)

	tags, ok := v.Tags("ledger.signing_seed")
	require.True(t, ok)
	assert.Equal(t, []string{"ledger"}, tags)
}

func TestOpenRejectsShortKey(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "vault.json"), []byte("short"), logger.NewTestLogger())
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestRetrieveUnknownSecret(t *testing.T) {
	v, err := Open(filepath.Join(t.TempDir(), "vault.json"), testKey(0x11), logger.NewTestLogger())
	require.NoError(t, err)

	_, err = v.Retrieve("missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	key := testKey(0x22)

	v, err := Open(path, key, logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, v.Store("api.token", "tok-123"))

	reopened, err := Open(path, key, logger.NewTestLogger())
	require.NoError(t, err)

	got, err := reopened.Retrieve("api.token")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", got)

	// Plaintext must never reach the file.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "tok-123")
}

func TestWrongKeyFailsToUnseal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")

	v, err := Open(path, testKey(0x33), logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, v.Store("api.token", "tok-123"))

	wrong, err := Open(path, testKey(0x44), logger.NewTestLogger())
	require.NoError(t, err)

	_, err = wrong.Retrieve("api.token")
	require.Error(t, err)
}

func TestDeleteRemovesSecret(t *testing.T) {
	v, err := Open(filepath.Join(t.TempDir(), "vault.json"), testKey(0x55), logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, v.Store("api.token", "tok-123"))

	existed, err := v.Delete("api.token")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = v.Delete("api.token")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = v.Retrieve("api.token")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestListReturnsSortedNames(t *testing.T) {
	v, err := Open(filepath.Join(t.TempDir(), "vault.json"), testKey(0x66), logger.NewTestLogger())
	require.NoError(t, err)

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, v.Store(name, "x"))
	}

	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, v.List())
}

func TestEventHookObservesLifecycle(t *testing.T) {
	v, err := Open(filepath.Join(t.TempDir(), "vault.json"), testKey(0x77), logger.NewTestLogger())
	require.NoError(t, err)

	type observed struct {
		kind models.EventKind
		name string
	}

	var events []observed

	v.SetEventHook(func(kind models.EventKind, name string) {
		events = append(events, observed{kind: kind, name: name})
	})

	require.NoError(t, v.Store("api.token", "tok-123"))

	_, err = v.Retrieve("api.token")
	require.NoError(t, err)

	_, err = v.Delete("api.token")
	require.NoError(t, err)

	assert.Equal(t, []observed{
		{kind: models.EventSecretStored, name: "api.token"},
		{kind: models.EventSecretAccessed, name: "api.token"},
		{kind: models.EventSecretDeleted, name: "api.token"},
	}, events)
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Open(path, testKey(0x88), logger.NewTestLogger())
	require.Error(t, err)
}
