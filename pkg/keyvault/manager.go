package keyvault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// KeySize is the length of every key handed out by the Manager.
const KeySize = 32

const (
	MasterKeyName = "ouroboros-vault.master"
	fileKeyPrefix = "ouroboros-vault.file."
)

var (
	ErrSecretNotFound  = errors.New("keyvault: secret not found")
	ErrMalformedSecret = errors.New("keyvault: malformed secret")
)

// Manager issues and retires keys. It keeps no key material between calls:
// every use reads the vault again.
type Manager struct {
	vault Vault
	log   *logrus.Entry
}

func NewManager(vault Vault, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		vault: vault,
		log:   logger.WithField("component", "keyvault"),
	}
}

// GenerateKey returns KeySize bytes from crypto/rand.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// FileKeyName derives the vault entry name of a file's key.
func FileKeyName(fileID string) string {
	return fileKeyPrefix + fileID
}

// GetOrCreateMasterKey returns the master key, creating and persisting a new
// one if the vault does not hold it yet.
func (m *Manager) GetOrCreateMasterKey() ([]byte, error) {
	key, err := m.readKey(MasterKeyName)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return nil, fmt.Errorf("reading master key: %w", err)
	}

	key, err = GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := m.writeKey(MasterKeyName, key); err != nil {
		return nil, fmt.Errorf("persisting master key: %w", err)
	}
	m.log.Info("created new master key")
	return key, nil
}

// ReadMasterKey returns the master key or ErrSecretNotFound.
func (m *Manager) ReadMasterKey() ([]byte, error) {
	return m.readKey(MasterKeyName)
}

// DeleteMasterKey removes the master key. Everything encrypted with it
// becomes unreadable.
func (m *Manager) DeleteMasterKey() error {
	if err := m.vault.Delete(MasterKeyName); err != nil {
		return fmt.Errorf("deleting master key: %w", err)
	}
	m.log.Warn("master key deleted")
	return nil
}

// MintFileKey creates a fresh key for fileID and stores it in the vault.
func (m *Manager) MintFileKey(fileID string) (name string, key []byte, err error) {
	key, err = GenerateKey()
	if err != nil {
		return "", nil, fmt.Errorf("generating file key: %w", err)
	}
	name = FileKeyName(fileID)
	if err := m.writeKey(name, key); err != nil {
		return "", nil, fmt.Errorf("persisting file key: %w", err)
	}
	return name, key, nil
}

// FileKey reads a file key previously created by MintFileKey.
func (m *Manager) FileKey(name string) ([]byte, error) {
	return m.readKey(name)
}

// RetireFileKey deletes a file key. A key that is already gone is fine.
func (m *Manager) RetireFileKey(name string) error {
	if name == "" {
		return nil
	}
	if err := m.vault.Delete(name); err != nil {
		m.log.WithField("key", name).Warnf("could not retire file key: %v", err)
		return err
	}
	return nil
}

func (m *Manager) readKey(name string) ([]byte, error) {
	encoded, found, err := m.vault.Read(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	key, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSecret, name, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %s has %d bytes", ErrMalformedSecret, name, len(key))
	}
	return key, nil
}

func (m *Manager) writeKey(name string, key []byte) error {
	return m.vault.Write(name, []byte(base64.StdEncoding.EncodeToString(key)))
}
