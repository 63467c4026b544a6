package credential

import (
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

const serviceName = "inboxtriage"

// Credential keys.
const (
	KeyLLMAPIKey    = "llm-api-key"
	KeyIMAPPassword = "imap-password"
)

// ErrNotFound is returned when a credential is neither in the environment
// nor in the keyring.
var ErrNotFound = errors.New("credential not found")

// envOverrides name the variables that take precedence over the keyring.
var envOverrides = map[string]string{
	KeyLLMAPIKey:    "INBOXTRIAGE_LLM_API_KEY",
	KeyIMAPPassword: "INBOXTRIAGE_IMAP_PASSWORD",
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return envOverrides[key]
}

// Store reads and writes secrets in the system keyring.
type Store struct {
	open   func() (keyring.Keyring, error)
	getenv func(string) string
}

// New returns a Store on the system keyring.
func New() *Store {
	return &Store{open: openKeyring, getenv: os.Getenv}
}

// NewWithKeyring returns a Store on ring. Environment overrides still apply
// when getenv is non-nil.
func NewWithKeyring(ring keyring.Keyring, getenv func(string) string) *Store {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	return &Store{
		open:   func() (keyring.Keyring, error) { return ring, nil },
		getenv: getenv,
	}
}

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/inboxtriage/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("inboxtriage-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get retrieves a credential value by key, preferring its environment
// override.
func (s *Store) Get(key string) (string, error) {
	if env := envOverrides[key]; env != "" {
		if v := s.getenv(env); v != "" {
			return v, nil
		}
	}

	ring, err := s.open()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores a credential value by key in the keyring.
func (s *Store) Set(key string, value string) error {
	ring, err := s.open()
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

// Delete removes a credential by key from the keyring.
func (s *Store) Delete(key string) error {
	ring, err := s.open()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
