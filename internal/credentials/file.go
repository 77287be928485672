package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Encrypted store layout: a version byte, a random scrypt salt, the GCM
// nonce, then the sealed JSON map. Salt and nonce are regenerated on
// every save.
const (
	fileVersion = 0x01
	saltSize    = 16

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// ErrBadPassphrase reports that the store could not be decrypted, either
// because the passphrase is wrong or because the file was altered.
var ErrBadPassphrase = errors.New("credentials: cannot decrypt store (wrong passphrase or corrupt file)")

// FileVault keeps provider secrets in a single file encrypted with
// AES-256-GCM under a key derived from a passphrase.
type FileVault struct {
	path       string
	passphrase []byte

	mu      sync.Mutex
	secrets map[string]string
}

// OpenFile opens the encrypted store at path, decrypting it with the
// passphrase. A missing file yields an empty vault so the first Set can
// create it.
func OpenFile(path, passphrase string) (*FileVault, error) {
	v := &FileVault{
		path:       path,
		passphrase: []byte(passphrase),
		secrets:    make(map[string]string),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("credentials: read %s: %w", path, err)
	}

	secrets, err := decryptStore(raw, v.passphrase)
	if err != nil {
		return nil, err
	}
	v.secrets = secrets
	return v, nil
}

// Resolve returns the stored secret for the provider.
func (v *FileVault) Resolve(_ context.Context, provider string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if secret, ok := v.secrets[provider]; ok && secret != "" {
		return secret, nil
	}
	return "", ErrNotFound
}

// Set stores a secret and persists the vault.
func (v *FileVault) Set(provider, secret string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.secrets[provider] = secret
	return v.saveLocked()
}

// Remove deletes a provider's secret, reporting whether it existed. The
// vault is persisted only when something changed.
func (v *FileVault) Remove(provider string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.secrets[provider]; !ok {
		return false, nil
	}
	delete(v.secrets, provider)
	return true, v.saveLocked()
}

// Providers lists the providers with stored secrets, sorted. Secrets
// themselves are never returned in bulk.
func (v *FileVault) Providers() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	names := make([]string, 0, len(v.secrets))
	for name := range v.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (v *FileVault) saveLocked() error {
	sealed, err := encryptStore(v.secrets, v.passphrase)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(v.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("credentials: create %s: %w", dir, err)
		}
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("credentials: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("credentials: replace %s: %w", v.path, err)
	}
	return nil
}

func encryptStore(secrets map[string]string, passphrase []byte) ([]byte, error) {
	plain, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("credentials: encode store: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("credentials: generate salt: %w", err)
	}

	gcm, err := newCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credentials: generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(salt)+len(nonce)+len(plain)+gcm.Overhead())
	out = append(out, fileVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plain, nil), nil
}

func decryptStore(raw, passphrase []byte) (map[string]string, error) {
	if len(raw) < 1+saltSize {
		return nil, errors.New("credentials: store is truncated")
	}
	if raw[0] != fileVersion {
		return nil, fmt.Errorf("credentials: unsupported store version %d", raw[0])
	}
	salt := raw[1 : 1+saltSize]

	gcm, err := newCipher(passphrase, salt)
	if err != nil {
		return nil, err
	}

	rest := raw[1+saltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("credentials: store is truncated")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}

	secrets := make(map[string]string)
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("credentials: decode store: %w", err)
	}
	return secrets, nil
}

func newCipher(passphrase, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("credentials: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: init cipher: %w", err)
	}
	return gcm, nil
}
