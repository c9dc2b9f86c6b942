// Package keyring provides secure storage for the bridge's own secrets.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
//
// VPN auth keys are never stored here; they are consumed once per connect.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/hkdf"

	"github.com/yllada/mesh-bridge/common"
)

const (
	// ServiceName is the identifier used in the system keyring.
	ServiceName = "mesh-bridge"
	// IPCSecretKey names the shared secret local clients present to the daemon.
	IPCSecretKey = "ipc-secret"

	probeKey = "mesh-bridge-probe"
)

// Common errors returned by keyring operations.
var (
	ErrNotFound = common.ErrCredentialsNotFound
	ErrEmptyKey = errors.New("secret key cannot be empty")
)

// Options configures a Store.
type Options struct {
	// FallbackFile is the encrypted file used when the system keyring is
	// unavailable. Defaults to ~/.config/mesh-bridge/.credentials.
	FallbackFile string
	// ForceLocal skips the system keyring.
	ForceLocal bool
	Logger     common.Logger
}

// Store is a common.SecretStore backed by the system keyring or an
// AES-GCM encrypted file.
type Store struct {
	mu       sync.RWMutex
	useLocal bool
	local    map[string]string
	file     string
	key      []byte
	log      common.Logger
}

var _ common.SecretStore = (*Store)(nil)

// New probes the system keyring and falls back to local storage when it
// cannot be written.
func New(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = common.Named("keyring")
	}

	s := &Store{log: opts.Logger, file: opts.FallbackFile}

	if !opts.ForceLocal {
		err := keyring.Set(ServiceName, probeKey, "probe")
		if err == nil {
			keyring.Delete(ServiceName, probeKey)
			return s, nil
		}
		s.log.Warn("System keyring unavailable, using encrypted file: %v", err)
	}

	if err := s.initLocal(); err != nil {
		return nil, err
	}
	return s, nil
}

// UsesSystemKeyring reports whether secrets live in the system keyring.
func (s *Store) UsesSystemKeyring() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.useLocal
}

func (s *Store) initLocal() error {
	if s.file == "" {
		configDir, err := common.GetConfigDir()
		if err != nil {
			return err
		}
		s.file = filepath.Join(configDir, common.CredentialsFileName)
	}
	if err := os.MkdirAll(filepath.Dir(s.file), 0700); err != nil {
		return err
	}

	key, err := deriveKey()
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}

	s.mu.Lock()
	s.useLocal = true
	s.key = key
	s.local = make(map[string]string)
	s.mu.Unlock()

	return s.load()
}

// deriveKey binds the fallback file to this machine and user.
func deriveKey() ([]byte, error) {
	hostname, _ := os.Hostname()
	secret := fmt.Sprintf("%s-%s-%d", common.AppID, getMachineID(), os.Getuid())

	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, []byte(secret), []byte(hostname), []byte(ServiceName+" credentials"))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func getMachineID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err == nil {
		return strings.TrimSpace(string(data))
	}
	return "default-machine-id"
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.file)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	decrypted, err := s.decrypt(data)
	if err != nil {
		// An unreadable file (e.g. copied from another machine) is replaced
		// on the next write.
		s.log.Warn("Ignoring unreadable credentials file: %v", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(decrypted, &s.local)
}

func (s *Store) save() error {
	s.mu.RLock()
	data, err := json.Marshal(s.local)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	encrypted, err := s.encrypt(data)
	if err != nil {
		return err
	}

	return os.WriteFile(s.file, encrypted, 0600)
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrEncryption, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrDecryption, err)
	}
	return plaintext, nil
}

// Store saves a secret.
func (s *Store) Store(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if value == "" {
		return errors.New("secret value cannot be empty")
	}

	if !s.UsesSystemKeyring() {
		s.mu.Lock()
		s.local[key] = value
		s.mu.Unlock()
		return s.save()
	}

	if err := keyring.Set(ServiceName, key, value); err != nil {
		s.log.Warn("System keyring write failed, switching to encrypted file: %v", err)
		if err := s.initLocal(); err != nil {
			return fmt.Errorf("%w: %w", common.ErrCredentialStorage, err)
		}
		return s.Store(key, value)
	}
	return nil
}

// Get retrieves a secret.
func (s *Store) Get(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}

	if !s.UsesSystemKeyring() {
		s.mu.RLock()
		value, exists := s.local[key]
		s.mu.RUnlock()
		if !exists {
			return "", ErrNotFound
		}
		return value, nil
	}

	value, err := keyring.Get(ServiceName, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring access failed: %w", err)
	}
	return value, nil
}

// Delete removes a secret. Deleting a missing secret is not an error.
func (s *Store) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	if !s.UsesSystemKeyring() {
		s.mu.Lock()
		delete(s.local, key)
		s.mu.Unlock()
		return s.save()
	}

	if err := keyring.Delete(ServiceName, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// Exists checks whether a secret is stored under key.
func (s *Store) Exists(key string) bool {
	_, err := s.Get(key)
	return err == nil
}

// EnsureIPCSecret returns the daemon's IPC secret, generating and storing
// one on first use.
func EnsureIPCSecret(store common.SecretStore) (string, error) {
	secret, err := store.Get(IPCSecretKey)
	if err == nil {
		return secret, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	secret = hex.EncodeToString(raw)

	if err := store.Store(IPCSecretKey, secret); err != nil {
		return "", err
	}
	return secret, nil
}
