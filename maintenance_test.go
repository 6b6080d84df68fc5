package vault

import (
	"bytes"
	"context"
	"testing"

	"github.com/i5heu/ouroboros-vault/pkg/keyvault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClearAll(t *testing.T) {
	e, v := newTestEngine(t, withCustomBoxes(BoxDescriptor{Name: "extra", Encrypted: true}))
	ctx := context.Background()
	require.NoError(t, e.Save(ctx, "a", 1, Scope{}))
	require.NoError(t, e.SaveSecure(ctx, "b", 2))
	require.NoError(t, e.Save(ctx, "c", 3, Scope{Box: "extra"}))
	secureFile, err := e.SaveFile(ctx, "f1", []byte("one"), FileOptions{Secure: true})
	require.NoError(t, err)
	customFile, err := e.SaveFile(ctx, "f2", []byte("two"), FileOptions{Box: "extra"})
	require.NoError(t, err)

	// A record without a readable payload must not stop the clear.
	box, _, err := e.boxFor("test", BoxNormalFiles)
	require.NoError(t, err)
	require.NoError(t, box.Put("broken", []byte("{")))

	require.NoError(t, e.ClearAll(ctx, ClearOptions{}))

	keys, err := e.Keys(ctx, Scope{})
	require.NoError(t, err)
	assert.Empty(t, keys)
	files, err := e.FileKeys(ctx, Scope{})
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.False(t, vaultHas(t, v, secureFile.SecureKeyName))
	assert.False(t, vaultHas(t, v, customFile.SecureKeyName))
	assert.True(t, vaultHas(t, v, keyvault.MasterKeyName))
}

func TestClearAll_DeleteMasterKey(t *testing.T) {
	e, v := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.SaveSecure(ctx, "k", "v"))

	require.NoError(t, e.ClearAll(ctx, ClearOptions{DeleteMasterKey: true}))
	assert.False(t, vaultHas(t, v, keyvault.MasterKeyName))

	// The secure box comes back empty under a new master key.
	_, found, err := Get[string](ctx, e, "k", Scope{Trust: TrustSecure})
	require.NoError(t, err)
	assert.False(t, found)
	require.NoError(t, e.SaveSecure(ctx, "k2", "v2"))
	assert.True(t, vaultHas(t, v, keyvault.MasterKeyName))
	got, _, err := Get[string](ctx, e, "k2", Scope{})
	require.NoError(t, err)
	assert.Equal(t, "v2", got)
}

func TestClearAll_DeleteMasterKeyOnDiskReinit(t *testing.T) {
	dir := t.TempDir()
	v := newTestVault()
	cfg := testConfig(v)
	cfg.InMemory = false
	cfg.Path = dir
	cfg.FilesOnDisk = true
	cfg.CustomBoxes = []BoxDescriptor{
		{Name: "vaulted", Encrypted: true},
		{Name: "later", Encrypted: true, LazyLoaded: true},
	}
	ctx := context.Background()

	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Init(ctx))
	require.NoError(t, e.Save(ctx, "plain", "p", Scope{}))
	require.NoError(t, e.SaveSecure(ctx, "token", "s3cr3t"))
	require.NoError(t, e.Save(ctx, "c", 1, Scope{Box: "later"}))
	_, err = e.SaveFile(ctx, "doc", []byte("secret doc"), FileOptions{Secure: true})
	require.NoError(t, err)
	oldMaster, found, err := v.Vault.Read(keyvault.MasterKeyName)
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, e.ClearAll(ctx, ClearOptions{DeleteMasterKey: true}))
	require.NoError(t, e.Dispose())

	require.NoError(t, e.Init(ctx))
	defer e.Dispose()
	newMaster, found, err := v.Vault.Read(keyvault.MasterKeyName)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEqual(t, oldMaster, newMaster)

	require.NoError(t, e.SaveSecure(ctx, "token", "fresh"))
	token, found, err := Get[string](ctx, e, "token", Scope{})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "fresh", token)

	require.NoError(t, e.Save(ctx, "c", 2, Scope{Box: "later"}))
	require.NoError(t, e.Save(ctx, "v", 3, Scope{Box: "vaulted"}))
	_, err = e.SaveFile(ctx, "doc", []byte("new doc"), FileOptions{Secure: true})
	require.NoError(t, err)
	data, _, found, err := e.GetFile(ctx, "doc", Scope{})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("new doc"), data)

	keys, err := e.Keys(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "token", "v"}, keys)
}

func TestBackupRestore_SecureBox(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.SaveSecure(ctx, "token", "s3cr3t"))
	require.NoError(t, e.SaveSecure(ctx, "pin", 1234))

	var buf bytes.Buffer
	require.NoError(t, e.BackupBox(ctx, BoxSecure, &buf))
	assert.NotContains(t, buf.String(), "s3cr3t")
	assert.False(t, e.BackupStatus(BoxSecure).BackupInProgress)
	assert.Positive(t, e.BackupStatus(BoxSecure).LastBackupSize)

	require.NoError(t, e.ClearAll(ctx, ClearOptions{}))
	_, found, err := Get[string](ctx, e, "token", Scope{})
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, e.RestoreBox(ctx, BoxSecure, &buf))
	token, found, err := Get[string](ctx, e, "token", Scope{})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "s3cr3t", token)
	pin, _, err := Get[int](ctx, e, "pin", Scope{Trust: TrustSecure})
	require.NoError(t, err)
	assert.Equal(t, 1234, pin)
}

func TestBackupRestore_NormalBoxAndErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Save(ctx, "greeting", "hello", Scope{}))

	var buf bytes.Buffer
	require.NoError(t, e.BackupBox(ctx, BoxNormal, &buf))
	require.NoError(t, e.Delete(ctx, "greeting", Scope{}))
	require.NoError(t, e.RestoreBox(ctx, BoxNormal, &buf))
	v, _, err := Get[string](ctx, e, "greeting", Scope{})
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	assert.ErrorIs(t, e.BackupBox(ctx, "missing", &buf), ErrBoxNotFound)
	assert.ErrorIs(t, e.RestoreBox(ctx, BoxNormal, bytes.NewReader([]byte("junk"))), ErrWrite)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, _ := newTestEngine(t, func(c *Config) {
		c.Registerer = reg
		c.Thresholds = Thresholds{JSONIsolateChars: 1}
	})
	ctx := context.Background()

	require.NoError(t, e.Save(ctx, "p", profile{Name: "ada"}, Scope{}))
	require.Error(t, e.Save(ctx, "", 1, Scope{}))

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.operations.WithLabelValues("save", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.operations.WithLabelValues("save", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.operations.WithLabelValues("init", "ok")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(e.metrics.offloads.WithLabelValues("json")), 1.0)

	// A second engine on the same registry shares the counters.
	other, err := New(Config{InMemory: true, Vault: newTestVault(), Logger: quietLogger(), Registerer: reg})
	require.NoError(t, err)
	assert.Same(t, e.metrics.operations, other.metrics.operations)
}
