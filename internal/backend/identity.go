package backend

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Identity is what the device presents when it asks to be authorized.
type Identity struct {
	Attributes map[string]string
	key        ed25519.PrivateKey
}

// NewIdentity builds an identity from attributes and an existing key.
func NewIdentity(attrs map[string]string, key ed25519.PrivateKey) *Identity {
	return &Identity{Attributes: attrs, key: key}
}

// LoadIdentity reads the device key from keyPath, generating and persisting
// a new one when the file does not exist yet.
func LoadIdentity(attrs map[string]string, keyPath string) (*Identity, error) {
	key, err := loadKey(keyPath)
	if errors.Is(err, os.ErrNotExist) {
		key, err = generateKey(keyPath)
	}
	if err != nil {
		return nil, err
	}
	return NewIdentity(attrs, key), nil
}

// PublicKeyPEM returns the PKIX encoded public key.
func (i *Identity) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(i.key.Public())
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Sign signs data with the device key.
func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.key, data)
}

func loadKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("device key %s is not ed25519", path)
	}
	return key, nil
}

func generateKey(path string) (ed25519.PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal device key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write device key: %w", err)
	}
	return key, nil
}
