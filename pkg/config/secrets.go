package config

import (
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

// The provider keys file is salt || nonce || AES-256-GCM(JSON map), with the
// key derived from a passphrase by scrypt.
const (
	SecretsDir      = ".gameforge"
	secretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	gcmTagSize      = 16
	scryptN         = 1 << 15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32
)

// ErrWrongPassword means the GCM tag did not verify.
var ErrWrongPassword = errors.New("cannot open provider keys: wrong passphrase or damaged file")

//nolint:gochecknoglobals // unlocked provider keys live for the process
var (
	unlockedMu sync.RWMutex
	unlocked   map[string]string
)

// SetDecryptedSecrets installs the unlocked provider keys, e.g. GEMINI_API_KEY.
func SetDecryptedSecrets(secrets map[string]string) {
	unlockedMu.Lock()
	unlocked = secrets
	unlockedMu.Unlock()
}

// GetSecret looks a key up in the unlocked file, then in the environment.
func GetSecret(name string) (string, error) {
	unlockedMu.RLock()
	value := unlocked[name]
	unlockedMu.RUnlock()
	if value == "" {
		value = os.Getenv(name)
	}
	if value == "" {
		return "", fmt.Errorf("%s is set neither in %s nor in the environment", name, secretsFileName)
	}
	return value, nil
}

// SecretNames returns the unlocked key names in order. Values stay private.
func SecretNames() []string {
	unlockedMu.RLock()
	defer unlockedMu.RUnlock()
	names := make([]string, 0, len(unlocked))
	for name := range unlocked {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func SecretsPath(projectDir string) string {
	return filepath.Join(projectDir, SecretsDir, secretsFileName)
}

func SecretsFileExists(projectDir string) bool {
	_, err := os.Stat(SecretsPath(projectDir))
	return err == nil
}

func deriveKey(password string, salt []byte) ([]byte, error) {
	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncryptSecretsFile seals secrets under password and writes them owner-only.
func EncryptSecretsFile(projectDir, password string, secrets map[string]string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveKey(password, salt)
	if err != nil {
		return err
	}
	defer zero(key)

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zero(plaintext)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	fileData := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcmTagSize)
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = gcm.Seal(fileData, nonce, plaintext, nil)

	if err := os.MkdirAll(filepath.Join(projectDir, SecretsDir), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", SecretsDir, err)
	}
	if err := os.WriteFile(SecretsPath(projectDir), fileData, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile opens the provider keys file under projectDir, tightening
// its mode to 0600 first if needed.
func DecryptSecretsFile(projectDir, password string) (map[string]string, error) {
	path := SecretsPath(projectDir)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			return nil, fmt.Errorf("failed to fix file permissions: %w", chmodErr)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(fileData) < saltSize+nonceSize+gcmTagSize {
		return nil, fmt.Errorf("%s is truncated (%d bytes)", path, len(fileData))
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	defer zero(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}
