package keyring

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/yllada/mesh-bridge/common"
)

func TestStore_SystemKeyring(t *testing.T) {
	keyring.MockInit()

	store, err := New(Options{FallbackFile: filepath.Join(t.TempDir(), ".credentials")})
	require.NoError(t, err)
	assert.True(t, store.UsesSystemKeyring())

	_, err = store.Get(IPCSecretKey)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Store(IPCSecretKey, "s3cret"))
	assert.True(t, store.Exists(IPCSecretKey))

	value, err := store.Get(IPCSecretKey)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", value)

	require.NoError(t, store.Delete(IPCSecretKey))
	require.NoError(t, store.Delete(IPCSecretKey))
	assert.False(t, store.Exists(IPCSecretKey))
}

func TestStore_FallsBackToEncryptedFile(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))

	path := filepath.Join(t.TempDir(), "nested", ".credentials")
	store, err := New(Options{FallbackFile: path})
	require.NoError(t, err)
	assert.False(t, store.UsesSystemKeyring())

	require.NoError(t, store.Store(IPCSecretKey, "s3cret"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(raw), "s3cret"), "file must be encrypted")

	reopened, err := New(Options{FallbackFile: path, ForceLocal: true})
	require.NoError(t, err)
	value, err := reopened.Get(IPCSecretKey)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", value)

	require.NoError(t, reopened.Delete(IPCSecretKey))
	assert.False(t, reopened.Exists(IPCSecretKey))
}

func TestStore_IgnoresCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".credentials")
	require.NoError(t, os.WriteFile(path, []byte("not base64 at all!"), 0600))

	store, err := New(Options{FallbackFile: path, ForceLocal: true})
	require.NoError(t, err)
	assert.False(t, store.Exists(IPCSecretKey))

	require.NoError(t, store.Store(IPCSecretKey, "fresh"))
	value, err := store.Get(IPCSecretKey)
	require.NoError(t, err)
	assert.Equal(t, "fresh", value)
}

func TestStore_Validation(t *testing.T) {
	store, err := New(Options{FallbackFile: filepath.Join(t.TempDir(), ".credentials"), ForceLocal: true})
	require.NoError(t, err)

	assert.ErrorIs(t, store.Store("", "value"), ErrEmptyKey)
	assert.Error(t, store.Store("key", ""))

	_, err = store.Get("")
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.ErrorIs(t, store.Delete(""), ErrEmptyKey)
}

func TestDecrypt_Tampered(t *testing.T) {
	store, err := New(Options{FallbackFile: filepath.Join(t.TempDir(), ".credentials"), ForceLocal: true})
	require.NoError(t, err)

	sealed, err := store.encrypt([]byte("payload"))
	require.NoError(t, err)

	plain, err := store.decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))

	tampered := []byte(strings.ToUpper(string(sealed)))
	_, err = store.decrypt(tampered)
	assert.ErrorIs(t, err, common.ErrDecryption)
}

func TestEnsureIPCSecret(t *testing.T) {
	store, err := New(Options{FallbackFile: filepath.Join(t.TempDir(), ".credentials"), ForceLocal: true})
	require.NoError(t, err)

	first, err := EnsureIPCSecret(store)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := EnsureIPCSecret(store)
	require.NoError(t, err)
	assert.Equal(t, first, second, "secret is generated once")
}
