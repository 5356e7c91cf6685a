package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(id, key, clientID string) *Key {
	return &Key{
		ID:          id,
		Key:         key,
		ClientID:    clientID,
		Name:        "test key",
		Permissions: []string{"scd:audit"},
		CreatedAt:   time.Now(),
		Active:      true,
	}
}

func TestGenerateKeyString(t *testing.T) {
	key, err := GenerateKeyString()
	require.NoError(t, err)

	assert.NoError(t, ValidateKeyFormat(key))

	other, err := GenerateKeyString()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestValidateKeyFormat(t *testing.T) {
	valid, err := GenerateKeyString()
	require.NoError(t, err)

	assert.NoError(t, ValidateKeyFormat(valid))
	assert.ErrorIs(t, ValidateKeyFormat(""), ErrInvalidKeyFormat)
	assert.ErrorIs(t, ValidateKeyFormat("avesa_ak_tooshort"), ErrInvalidKeyFormat)
	assert.ErrorIs(t, ValidateKeyFormat("wrong_prefix_"+valid[len(keyPrefix):]), ErrInvalidKeyFormat)
}

func TestKeyValidateKey(t *testing.T) {
	key := newTestKey("id-1", "avesa_ak_secret", "client-1")

	assert.True(t, key.ValidateKey("avesa_ak_secret"))
	assert.False(t, key.ValidateKey("avesa_ak_wrong"))
	assert.False(t, key.ValidateKey(""))

	key.Active = false
	assert.False(t, key.ValidateKey("avesa_ak_secret"))

	key.Active = true
	expired := time.Now().Add(-time.Hour)
	key.ExpiresAt = &expired
	assert.False(t, key.ValidateKey("avesa_ak_secret"))
}

func TestKeyHasPermission(t *testing.T) {
	key := newTestKey("id-1", "avesa_ak_secret", "client-1")

	assert.True(t, key.HasPermission("scd:audit"))
	assert.False(t, key.HasPermission("scd:repair"))
}

func TestMaskKey(t *testing.T) {
	key, err := GenerateKeyString()
	require.NoError(t, err)

	masked := MaskKey(key)
	assert.Contains(t, masked, "...")
	assert.NotContains(t, masked, key[maskPrefixLen:len(key)-maskSuffixLen])

	assert.Equal(t, "", MaskKey(""))
	assert.Equal(t, "***", MaskKey("odd-length-key"))
}

func TestHashAndCompareAPIKey(t *testing.T) {
	key, err := GenerateKeyString()
	require.NoError(t, err)

	hash, err := HashAPIKey(key)
	require.NoError(t, err)

	assert.True(t, CompareAPIKeyHash(hash, key))
	assert.False(t, CompareAPIKeyHash(hash, key+"x"))
	assert.False(t, CompareAPIKeyHash("", key))
	assert.False(t, CompareAPIKeyHash(hash, ""))

	_, err = HashAPIKey("")
	assert.ErrorIs(t, err, ErrKeyNil)
}

func TestHashAPIKeyLongInput(t *testing.T) {
	long := string(make([]byte, 200))

	hash, err := HashAPIKey(long)
	require.NoError(t, err)

	// Over-length keys go through SHA-256 pre-hashing on both sides.
	assert.True(t, CompareAPIKeyHash(hash, long))
}

func TestInMemoryKeyStoreAddAndFind(t *testing.T) {
	store := NewInMemoryKeyStore()
	key := newTestKey("id-1", "avesa_ak_one", "client-1")

	require.NoError(t, store.Add(key))

	found, ok := store.FindByKey("avesa_ak_one")
	require.True(t, ok)
	assert.Equal(t, "id-1", found.ID)

	// The store returns copies.
	found.Name = "mutated"
	again, ok := store.FindByKey("avesa_ak_one")
	require.True(t, ok)
	assert.Equal(t, "test key", again.Name)

	_, ok = store.FindByKey("avesa_ak_missing")
	assert.False(t, ok)
}

func TestInMemoryKeyStoreRejectsDuplicates(t *testing.T) {
	store := NewInMemoryKeyStore()

	require.NoError(t, store.Add(newTestKey("id-1", "avesa_ak_one", "client-1")))
	assert.ErrorIs(t, store.Add(newTestKey("id-1", "avesa_ak_two", "client-1")), ErrKeyAlreadyExists)
	assert.ErrorIs(t, store.Add(newTestKey("id-2", "avesa_ak_one", "client-1")), ErrKeyAlreadyExists)
	assert.ErrorIs(t, store.Add(nil), ErrKeyNil)
}

func TestInMemoryKeyStoreUpdate(t *testing.T) {
	store := NewInMemoryKeyStore()
	require.NoError(t, store.Add(newTestKey("id-1", "avesa_ak_one", "client-1")))

	updated := newTestKey("id-1", "avesa_ak_rotated", "client-2")
	require.NoError(t, store.Update(updated))

	_, ok := store.FindByKey("avesa_ak_one")
	assert.False(t, ok)

	found, ok := store.FindByKey("avesa_ak_rotated")
	require.True(t, ok)
	assert.Equal(t, "client-2", found.ClientID)

	assert.ErrorIs(t, store.Update(newTestKey("id-404", "avesa_ak_x", "c")), ErrKeyNotFound)
}

func TestInMemoryKeyStoreDelete(t *testing.T) {
	store := NewInMemoryKeyStore()
	require.NoError(t, store.Add(newTestKey("id-1", "avesa_ak_one", "client-1")))

	require.NoError(t, store.Delete("id-1"))

	_, ok := store.FindByKey("avesa_ak_one")
	assert.False(t, ok)

	assert.ErrorIs(t, store.Delete("id-1"), ErrKeyNotFound)
}

func TestInMemoryKeyStoreListByClient(t *testing.T) {
	store := NewInMemoryKeyStore()
	require.NoError(t, store.Add(newTestKey("id-1", "avesa_ak_one", "client-1")))
	require.NoError(t, store.Add(newTestKey("id-2", "avesa_ak_two", "client-1")))
	require.NoError(t, store.Add(newTestKey("id-3", "avesa_ak_three", "client-2")))

	keys, err := store.ListByClient("client-1")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	keys, err = store.ListByClient("client-404")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLoadKeyStoreFile(t *testing.T) {
	rawKey, err := GenerateKeyString()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys.json")
	content := fmt.Sprintf(`[{"id":"id-1","key":%q,"clientId":"audit-scheduler","active":true}]`, rawKey)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	store, err := LoadKeyStoreFile(path)
	require.NoError(t, err)

	found, ok := store.FindByKey(rawKey)
	require.True(t, ok)
	assert.Equal(t, "audit-scheduler", found.ClientID)
}

func TestLoadKeyStoreFileRejectsBadKeyFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	content := `[{"id":"id-1","key":"not-a-real-key","clientId":"c","active":true}]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadKeyStoreFile(path)
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestLoadKeyStoreFileRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadKeyStoreFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed API key file")
}

func TestLoadKeyStoreFileMissing(t *testing.T) {
	_, err := LoadKeyStoreFile(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}
