// Package credential stores secrets used to authenticate against mail
// servers.
package credential

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/99designs/keyring"
)

const serviceName = "mailtask"

// ErrNotFound is returned when no secret is stored for a key.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes secrets by normalized key.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// KeyringConfig selects where the system keyring keeps its data.
type KeyringConfig struct {
	// FileDir is used by the encrypted file backend.
	FileDir string

	// Backends restricts the allowed keyring backends. Empty means the
	// platform defaults followed by the file backend.
	Backends []keyring.BackendType
}

// KeyringStore keeps secrets in the system keyring.
type KeyringStore struct {
	cfg keyring.Config
}

// NewKeyringStore returns a Store backed by the system keyring.
func NewKeyringStore(cfg KeyringConfig) *KeyringStore {
	backends := cfg.Backends
	if len(backends) == 0 {
		backends = []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		}
	}
	dir := cfg.FileDir
	if dir == "" {
		dir = "~/.config/mailtask/credentials"
	}

	return &KeyringStore{cfg: keyring.Config{
		ServiceName:              serviceName,
		AllowedBackends:          backends,
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mailtask-file-key"),
		KeychainTrustApplication: true,
	}}
}

// openKeyring returns a configured keyring instance.
func (s *KeyringStore) openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key from the system keyring.
func (s *KeyringStore) Get(key string) (string, error) {
	ring, err := s.openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the system keyring.
func (s *KeyringStore) Set(key string, value string) error {
	ring, err := s.openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: serviceName + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring. Deleting a
// missing key is not an error. The file backend reports a missing key as
// a path error rather than keyring.ErrKeyNotFound.
func (s *KeyringStore) Delete(key string) error {
	ring, err := s.openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil && !isMissing(err) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}

func isMissing(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, fs.ErrNotExist)
}
