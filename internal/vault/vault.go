package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mtzanidakis/deepr/internal/store"
	"golang.org/x/crypto/argon2"
)

// RefPrefix marks a config value that names a vault secret.
const RefPrefix = "secret:"

var ErrNoPassphrase = errors.New("vault passphrase is not set")

// Vault seals secrets with AES-256-GCM under a passphrase-derived key. The
// secret name is bound as additional data, so a sealed value only opens
// under the name it was stored with.
type Vault struct {
	aead cipher.AEAD
}

// New derives the key with Argon2id. The salt is the first half of the
// passphrase's SHA-256, which keeps the key stable across restarts.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

func (v *Vault) Seal(name string, plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nil, nonce, plaintext, []byte(name)), nonce, nil
}

func (v *Vault) Open(name string, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != v.aead.NonceSize() {
		return nil, fmt.Errorf("decrypt %s: bad nonce length %d", name, len(nonce))
	}
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", name, err)
	}
	return plaintext, nil
}

// SecretStore is the part of the store the vault reads and writes.
type SecretStore interface {
	GetSecretByName(name string) (*store.Secret, error)
	SaveSecret(sec *store.Secret) error
}

// Put seals value and stores it under name, keeping the id of an existing
// secret with the same name.
func (v *Vault) Put(db SecretStore, sec *store.Secret, value []byte) error {
	existing, err := db.GetSecretByName(sec.Name)
	if err != nil {
		return err
	}
	switch {
	case existing != nil:
		sec.ID = existing.ID
	case sec.ID == "":
		sec.ID = uuid.New().String()
	}
	if sec.Kind == "" {
		sec.Kind = "string"
	}
	sec.Value, sec.Nonce, err = v.Seal(sec.Name, value)
	if err != nil {
		return err
	}
	return db.SaveSecret(sec)
}

// Get opens the secret stored under name. It returns (nil, nil) when no such
// secret exists.
func (v *Vault) Get(db SecretStore, name string) ([]byte, error) {
	sec, err := db.GetSecretByName(name)
	if err != nil || sec == nil {
		return nil, err
	}
	return v.Open(sec.Name, sec.Value, sec.Nonce)
}

// Resolve returns value unchanged unless it starts with RefPrefix, in which
// case the named secret is decrypted and returned.
func Resolve(v *Vault, db SecretStore, value string) (string, error) {
	name, ok := strings.CutPrefix(value, RefPrefix)
	if !ok {
		return value, nil
	}
	if v == nil {
		return "", fmt.Errorf("resolve %s: %w", value, ErrNoPassphrase)
	}
	plain, err := v.Get(db, name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", value, err)
	}
	if plain == nil {
		return "", fmt.Errorf("resolve %s: secret not found", value)
	}
	return strings.TrimSpace(string(plain)), nil
}
