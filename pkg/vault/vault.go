// Package vault stores operator secrets encrypted at rest. Values are
// sealed with AES-256-GCM under a 32-byte master key and persisted as
// JSON; stores, accesses, and deletes are reported through an event
// hook so the audit ledger can record them.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fleetgate/fleetgate/pkg/logger"
	"github.com/fleetgate/fleetgate/pkg/models"
)

const (
	keyLength   = 32
	nonceLength = 12
)

var (
	// ErrInvalidKeyLength indicates the master key is not the required size.
	ErrInvalidKeyLength = errors.New("vault: master key must be 32 bytes")

	// ErrSecretNotFound is returned when no secret exists under a name.
	ErrSecretNotFound = errors.New("vault: secret not found")

	errCiphertextShort = errors.New("vault: ciphertext too short")
)

// Entry is the stored form of one secret. Value holds the sealed
// ciphertext, never the plaintext.
type Entry struct {
	Value     string    `json:"value"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventHook observes secret lifecycle operations by name. Secret values
// never pass through the hook.
type EventHook func(kind models.EventKind, name string)

// Vault is a file-backed encrypted secret store.
type Vault struct {
	path   string
	key    []byte
	logger logger.Logger

	mu      sync.Mutex
	entries map[string]Entry
	hook    EventHook
}

// Open loads the vault file at path, starting empty when the file does
// not exist yet.
func Open(path string, masterKey []byte, log logger.Logger) (*Vault, error) {
	if len(masterKey) != keyLength {
		return nil, ErrInvalidKeyLength
	}

	v := &Vault{
		path:    path,
		key:     append([]byte(nil), masterKey...),
		logger:  log,
		entries: make(map[string]Entry),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return v, nil
	}

	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &v.entries); err != nil {
		return nil, fmt.Errorf("vault: parse %s: %w", path, err)
	}

	log.Debug().Str("path", path).Int("secrets", len(v.entries)).Msg("vault opened")

	return v, nil
}

// SetEventHook installs the lifecycle observer. Replaces any prior hook.
func (v *Vault) SetEventHook(hook EventHook) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.hook = hook
}

// Store seals and persists a secret, replacing any previous value under
// the same name. The original creation time survives replacement.
func (v *Vault) Store(name, value string, tags ...string) error {
	sealed, err := seal(v.key, []byte(value))
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	entry := Entry{
		Value:     sealed,
		Tags:      append([]string(nil), tags...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	v.mu.Lock()

	if prior, ok := v.entries[name]; ok {
		entry.CreatedAt = prior.CreatedAt
	}

	v.entries[name] = entry
	err = v.persistLocked()
	hook := v.hook

	v.mu.Unlock()

	if err != nil {
		return err
	}

	if hook != nil {
		hook(models.EventSecretStored, name)
	}

	return nil
}

// Retrieve unseals a secret by name.
func (v *Vault) Retrieve(name string) (string, error) {
	v.mu.Lock()
	entry, ok := v.entries[name]
	hook := v.hook
	v.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}

	plain, err := unseal(v.key, entry.Value)
	if err != nil {
		return "", fmt.Errorf("vault: unseal %s: %w", name, err)
	}

	if hook != nil {
		hook(models.EventSecretAccessed, name)
	}

	return string(plain), nil
}

// Delete removes a secret, reporting whether it existed.
func (v *Vault) Delete(name string) (bool, error) {
	v.mu.Lock()

	if _, ok := v.entries[name]; !ok {
		v.mu.Unlock()
		return false, nil
	}

	delete(v.entries, name)
	err := v.persistLocked()
	hook := v.hook

	v.mu.Unlock()

	if err != nil {
		return true, err
	}

	if hook != nil {
		hook(models.EventSecretDeleted, name)
	}

	return true, nil
}

// List returns the stored secret names in sorted order.
func (v *Vault) List() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	names := make([]string, 0, len(v.entries))
	for name := range v.entries {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Tags returns the tags of a stored secret.
func (v *Vault) Tags(name string) ([]string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.entries[name]
	if !ok {
		return nil, false
	}

	return append([]string(nil), entry.Tags...), true
}

func (v *Vault) persistLocked() error {
	data, err := json.MarshalIndent(v.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode entries: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("vault: create directory: %w", err)
	}

	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("vault: write %s: %w", v.path, err)
	}

	return nil
}

// seal encrypts plaintext with AES-256-GCM and returns a base64 payload
// with the nonce prefixed.
func seal(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("vault: create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: init gcm: %w", err)
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

// unseal reverses seal.
func unseal(key []byte, encoded string) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	if len(payload) < nonceLength {
		return nil, errCiphertextShort
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, payload[:nonceLength], payload[nonceLength:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}

	return plaintext, nil
}
