package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

// Token file configuration.
const (
	tokenFileName = "github-token.enc"
	saltSize      = 16
	scryptN       = 32768 // 2^15
	scryptR       = 8
	scryptP       = 1
	keySize       = 32 // AES-256
)

// SaveGitHubToken encrypts the token with a passphrase-derived key and writes
// it to <projectDir>/.hatch/github-token.enc.
func SaveGitHubToken(inputProjectDir, passphrase, token string) error {
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if passphrase == "" {
		return fmt.Errorf("passphrase cannot be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(token), nil)

	// File layout: salt || nonce || ciphertext.
	payload := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)

	dir := filepath.Join(inputProjectDir, ProjectConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create hatch directory: %w", err)
	}

	path := filepath.Join(dir, tokenFileName)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// LoadGitHubToken decrypts the stored token using the passphrase.
func LoadGitHubToken(inputProjectDir, passphrase string) (string, error) {
	path := filepath.Join(inputProjectDir, ProjectConfigDir, tokenFileName)
	payload, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	if len(payload) < saltSize+12 {
		return "", fmt.Errorf("token file is truncated")
	}

	salt := payload[:saltSize]
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return "", fmt.Errorf("failed to derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	rest := payload[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("token file is truncated")
	}
	nonce := rest[:gcm.NonceSize()]
	ciphertext := rest[gcm.NonceSize():]

	token, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token (wrong passphrase?): %w", err)
	}

	return string(token), nil
}

// GetGitHubToken returns the GitHub token using standard precedence:
//  1. GITHUB_TOKEN or GH_TOKEN environment variables
//  2. Encrypted token file, unlocked with HATCH_PASSPHRASE
//
// Returns empty string if no token is available.
func GetGitHubToken(inputProjectDir string) string {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return token
	}
	if token := os.Getenv("GH_TOKEN"); token != "" {
		return token
	}

	passphrase := os.Getenv("HATCH_PASSPHRASE")
	if passphrase == "" {
		return ""
	}
	token, err := LoadGitHubToken(inputProjectDir, passphrase)
	if err != nil {
		return ""
	}
	return token
}

// HasGitHubToken returns true if a GitHub token is available.
func HasGitHubToken(inputProjectDir string) bool {
	return GetGitHubToken(inputProjectDir) != ""
}
