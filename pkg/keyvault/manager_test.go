package keyvault

import (
	"errors"
	"sync"
	"testing"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingVault struct {
	Vault
	mu      sync.Mutex
	writes  int
	deletes int
	failOn  string
}

func (c *countingVault) Write(name string, secret []byte) error {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	if c.failOn == "write" {
		return errors.New("vault unavailable")
	}
	return c.Vault.Write(name, secret)
}

func (c *countingVault) Delete(name string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.Vault.Delete(name)
}

func newTestVault() *countingVault {
	return &countingVault{Vault: NewKeyringVault(keyring.NewArrayKeyring(nil), "test")}
}

func TestMasterKey_Idempotent(t *testing.T) {
	vault := newTestVault()
	m := NewManager(vault, nil)

	first, err := m.GetOrCreateMasterKey()
	require.NoError(t, err)
	assert.Len(t, first, KeySize)

	second, err := m.GetOrCreateMasterKey()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, vault.writes)

	read, err := m.ReadMasterKey()
	require.NoError(t, err)
	assert.Equal(t, first, read)
}

func TestMasterKey_PersistedAsBase64(t *testing.T) {
	vault := newTestVault()
	m := NewManager(vault, nil)
	_, err := m.GetOrCreateMasterKey()
	require.NoError(t, err)

	raw, found, err := vault.Read(MasterKeyName)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, raw, 44, "32 bytes base64 encoded")
}

func TestMasterKey_WriteFailure(t *testing.T) {
	vault := newTestVault()
	vault.failOn = "write"
	_, err := NewManager(vault, nil).GetOrCreateMasterKey()
	assert.Error(t, err)
}

func TestMasterKey_DeleteThenRecreate(t *testing.T) {
	m := NewManager(newTestVault(), nil)
	first, err := m.GetOrCreateMasterKey()
	require.NoError(t, err)
	require.NoError(t, m.DeleteMasterKey())

	_, err = m.ReadMasterKey()
	assert.ErrorIs(t, err, ErrSecretNotFound)

	second, err := m.GetOrCreateMasterKey()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestFileKeys_Lifecycle(t *testing.T) {
	vault := newTestVault()
	m := NewManager(vault, nil)
	id := uuid.NewString()

	name, key, err := m.MintFileKey(id)
	require.NoError(t, err)
	assert.Equal(t, FileKeyName(id), name)
	assert.Len(t, key, KeySize)

	got, err := m.FileKey(name)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	require.NoError(t, m.RetireFileKey(name))
	require.NoError(t, m.RetireFileKey(name), "retiring twice is fine")
	_, err = m.FileKey(name)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestFileKeys_Distinct(t *testing.T) {
	m := NewManager(newTestVault(), nil)
	_, a, err := m.MintFileKey(uuid.NewString())
	require.NoError(t, err)
	_, b, err := m.MintFileKey(uuid.NewString())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestReadKey_Malformed(t *testing.T) {
	vault := newTestVault()
	require.NoError(t, vault.Write(MasterKeyName, []byte("not base64!")))
	_, err := NewManager(vault, nil).GetOrCreateMasterKey()
	assert.ErrorIs(t, err, ErrMalformedSecret)

	require.NoError(t, vault.Write(MasterKeyName, []byte("c2hvcnQ=")))
	_, err = NewManager(vault, nil).ReadMasterKey()
	assert.ErrorIs(t, err, ErrMalformedSecret)
}
