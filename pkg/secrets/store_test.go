package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSetGet(t *testing.T) {
	store := NewStore("https://app.example.com")

	require.NoError(t, store.Set("ADMIN_EMAIL", "admin@example.com"))

	value, err := store.Get("ADMIN_EMAIL")
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", value)
	assert.Equal(t, "https://app.example.com", store.TargetURL())
}

func TestGetMissingKey(t *testing.T) {
	store := NewStore("https://app.example.com")

	_, err := store.Get("MISSING")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestSetIsWriteOnce(t *testing.T) {
	store := NewStore("https://app.example.com")

	require.NoError(t, store.Set("TOKEN", "one"))
	err := store.Set("TOKEN", "two")
	assert.ErrorIs(t, err, ErrKeyExists)

	// The first write must survive the rejected rewrite.
	value, err := store.Get("TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "one", value)
}

func TestFreezeRejectsWrites(t *testing.T) {
	store := NewStore("https://app.example.com")
	store.Freeze()

	err := store.Set("LATE", "value")
	assert.ErrorIs(t, err, ErrStoreFrozen)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "ADMIN_PASSWORD=hunter2\nAPI_TOKEN=tok-123\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0600))

	store := NewStore("https://app.example.com")
	require.NoError(t, store.Set("API_TOKEN", "explicit"))
	require.NoError(t, store.LoadEnv(envPath))

	password, err := store.Get("ADMIN_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)

	// Explicit configuration wins over the env file.
	token, err := store.Get("API_TOKEN")
	require.NoError(t, err)
	assert.Equal(t, "explicit", token)
}

func TestLoadEnvMissingFile(t *testing.T) {
	store := NewStore("https://app.example.com")
	err := store.LoadEnv(filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrKeyNotFound))
}
