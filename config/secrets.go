package config

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"golang.org/x/crypto/pbkdf2"
)

const encPrefix = "enc:"

const (
	kdfIterations = 100000
	kdfKeyLen     = 32
	kdfSaltLen    = 16
)

// decryptSecrets resolves credentials. Vault (when enabled) wins over the
// environment; "enc:" values from either source are decrypted with MASTER_KEY.
func decryptSecrets(cfg *Config) error {
	if cfg.VaultConfig.Enabled {
		if err := loadVaultCredentials(cfg); err != nil {
			return err
		}
	}

	masterKey := os.Getenv("MASTER_KEY")
	fields := []*string{
		&cfg.ExchangeConfig.APIKey,
		&cfg.ExchangeConfig.SecretKey,
		&cfg.ExchangeConfig.Passphrase,
		&cfg.NotificationConfig.TelegramBotToken,
		&cfg.NewsConfig.LLMAPIKey,
		&cfg.ServerConfig.JWTSecret,
	}
	for _, f := range fields {
		if !strings.HasPrefix(*f, encPrefix) {
			continue
		}
		if masterKey == "" {
			return fmt.Errorf("encrypted value present but MASTER_KEY is not set")
		}
		plain, err := decryptValue(strings.TrimPrefix(*f, encPrefix), masterKey)
		if err != nil {
			return err
		}
		*f = plain
	}
	return nil
}

// decryptValue reverses encryptValue: base64(salt || nonce || ciphertext),
// AES-256-GCM under a PBKDF2-SHA256 key.
func decryptValue(encoded, masterKey string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secret is not valid base64: %w", err)
	}
	if len(raw) < kdfSaltLen {
		return "", fmt.Errorf("secret payload too short")
	}

	salt := raw[:kdfSaltLen]
	key := pbkdf2.Key([]byte(masterKey), salt, kdfIterations, kdfKeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	rest := raw[kdfSaltLen:]
	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("secret payload too short")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secret decryption failed (wrong MASTER_KEY?): %w", err)
	}
	return string(plain), nil
}

// loadVaultCredentials pulls exchange credentials from a Vault KV v2 mount.
func loadVaultCredentials(cfg *Config) error {
	vc := vault.DefaultConfig()
	vc.Address = cfg.VaultConfig.Address
	vc.Timeout = 10 * time.Second

	client, err := vault.NewClient(vc)
	if err != nil {
		return fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(cfg.VaultConfig.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := client.KVv2(cfg.VaultConfig.MountPath).Get(ctx, cfg.VaultConfig.SecretPath)
	if err != nil {
		return fmt.Errorf("vault read %s/%s: %w", cfg.VaultConfig.MountPath, cfg.VaultConfig.SecretPath, err)
	}

	if v, ok := secret.Data["api_key"].(string); ok && v != "" {
		cfg.ExchangeConfig.APIKey = v
	}
	if v, ok := secret.Data["secret_key"].(string); ok && v != "" {
		cfg.ExchangeConfig.SecretKey = v
	}
	if v, ok := secret.Data["passphrase"].(string); ok && v != "" {
		cfg.ExchangeConfig.Passphrase = v
	}
	return nil
}
