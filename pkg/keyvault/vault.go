// Package keyvault holds the secrets of the engine: one master key for the
// encrypted boxes and one key per secure file. Secrets live in a platform
// secret store reached through the Vault interface.
package keyvault

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/99designs/keyring"
)

// Vault is a named secret store.
type Vault interface {
	// Read returns the secret stored under name; found is false when absent.
	Read(name string) (secret []byte, found bool, err error)
	// Write stores secret under name, replacing any previous value.
	Write(name string, secret []byte) error
	// Delete removes name. Deleting an absent name is not an error.
	Delete(name string) error
}

// KeyringVault adapts a keyring.Keyring (macOS keychain, Secret Service,
// KWallet, WinCred, encrypted file, ...) to Vault.
type KeyringVault struct {
	ring  keyring.Keyring
	label string
}

func NewKeyringVault(ring keyring.Keyring, label string) *KeyringVault {
	return &KeyringVault{ring: ring, label: label}
}

// OpenKeyring opens the platform keyring for service. When dir is set a
// password-protected file keyring in dir is used instead.
func OpenKeyring(service, dir, password string) (*KeyringVault, error) {
	cfg := keyring.Config{
		ServiceName:              service,
		KeychainTrustApplication: true,
	}
	if dir != "" {
		cfg.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
		cfg.FileDir = dir
		cfg.FilePasswordFunc = keyring.FixedStringPrompt(password)
	}
	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring %s: %w", service, err)
	}
	return NewKeyringVault(ring, service), nil
}

func (v *KeyringVault) Read(name string) ([]byte, bool, error) {
	item, err := v.ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return item.Data, true, nil
}

func (v *KeyringVault) Write(name string, secret []byte) error {
	return v.ring.Set(keyring.Item{
		Key:         name,
		Data:        secret,
		Label:       v.label,
		Description: "ouroboros-vault key",
	})
}

func (v *KeyringVault) Delete(name string) error {
	err := v.ring.Remove(name)
	if errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
