package secrets

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/rendis/onboard/pkg/schema"
)

// Rows under reservedPrefix belong to the vault itself and are hidden from
// List. The salt row is stored in the clear; the check row is sealed.
const (
	reservedPrefix = "vault."
	saltKey        = reservedPrefix + "salt"
	checkKey       = reservedPrefix + "check"

	saltSize          = 16
	keySize           = 32
	defaultIterations = 100_000

	// envelopeV1 is the first byte of every sealed row: version, nonce, ciphertext.
	envelopeV1 byte = 1
)

var checkValue = []byte("onboard-vault")

// VaultConfig configures key derivation. MasterKey (32 raw bytes) wins over
// Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int
}

// AESVault seals values with AES-256-GCM. Each row's key and the envelope
// version are bound as additional data, so a row copied under another key
// fails to open.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// OpenAESVault unlocks the vault kept in s with passphrase. The salt is
// generated on first use, and a sealed check row makes a wrong passphrase
// fail here instead of on the first read.
func OpenAESVault(ctx context.Context, s SecretStore, passphrase string) (*AESVault, error) {
	salt, err := loadOrCreateSalt(ctx, s)
	if err != nil {
		return nil, err
	}
	v, err := NewAESVault(s, VaultConfig{Passphrase: passphrase, Salt: salt})
	if err != nil {
		return nil, err
	}
	if err := v.verify(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// NewAESVault builds a vault over s without touching storage.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func (cfg VaultConfig) key() ([]byte, error) {
	switch {
	case len(cfg.MasterKey) > 0:
		if len(cfg.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keySize, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	case cfg.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault, "a master key or a passphrase is required")
	case len(cfg.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault, "a salt is required with a passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, keySize)
}

func loadOrCreateSalt(ctx context.Context, s SecretStore) ([]byte, error) {
	salt, err := s.GetSecret(ctx, saltKey)
	switch {
	case err == nil && len(salt) > 0:
		return salt, nil
	case err != nil && !isNotFound(err):
		return nil, fmt.Errorf("read vault salt: %w", err)
	}
	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := s.StoreSecret(ctx, saltKey, salt); err != nil {
		return nil, fmt.Errorf("store vault salt: %w", err)
	}
	return salt, nil
}

// verify opens the check row, writing it on a fresh vault.
func (v *AESVault) verify(ctx context.Context) error {
	sealed, err := v.store.GetSecret(ctx, checkKey)
	if isNotFound(err) {
		return v.put(ctx, checkKey, checkValue)
	}
	if err != nil {
		return fmt.Errorf("read vault check: %w", err)
	}
	got, err := v.open(checkKey, sealed)
	if err != nil || !bytes.Equal(got, checkValue) {
		return schema.NewError(schema.ErrCodeVault, "vault passphrase does not match the stored data").WithCause(err)
	}
	return nil
}

func additionalData(key string) []byte {
	return append([]byte{envelopeV1}, key...)
}

func (v *AESVault) seal(key string, plaintext []byte) ([]byte, error) {
	out := make([]byte, 1+v.aead.NonceSize(), 1+v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	out[0] = envelopeV1
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(out, nonce, plaintext, additionalData(key)), nil
}

func (v *AESVault) open(key string, sealed []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(sealed) < 1+n {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "%s: sealed value too short", key)
	}
	if sealed[0] != envelopeV1 {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "%s: unknown envelope version %d", key, sealed[0])
	}
	plaintext, err := v.aead.Open(nil, sealed[1:1+n], sealed[1+n:], additionalData(key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "%s: cannot decrypt", key).WithCause(err)
	}
	return plaintext, nil
}

func (v *AESVault) put(ctx context.Context, key string, value []byte) error {
	sealed, err := v.seal(key, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, sealed)
}

func reserved(key string) error {
	if strings.HasPrefix(key, reservedPrefix) {
		return schema.NewErrorf(schema.ErrCodeValidation, "key %q is reserved by the vault", key)
	}
	return nil
}

func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	if err := reserved(key); err != nil {
		return err
	}
	return v.put(ctx, key, value)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	if err := reserved(key); err != nil {
		return nil, err
	}
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(key, sealed)
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	if err := reserved(key); err != nil {
		return err
	}
	return v.store.DeleteSecret(ctx, key)
}

// List returns the stored keys, without the vault's own rows.
func (v *AESVault) List(ctx context.Context) ([]string, error) {
	keys, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if !strings.HasPrefix(k, reservedPrefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

var _ Vault = (*AESVault)(nil)
