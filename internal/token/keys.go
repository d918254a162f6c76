// ABOUTME: Ed25519 signing key generation, PEM persistence and JWKS publication
// ABOUTME: Key ids are RFC 7638 thumbprints computed with go-jose

package token

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-jose/go-jose/v4"
)

const pemBlockType = "PRIVATE KEY"

// GenerateKey creates a new Ed25519 signing key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating Ed25519 key: %w", err)
	}
	return private, nil
}

// WritePrivateKey stores key as a PKCS#8 PEM file readable only by the owner.
func WritePrivateKey(path string, key ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating key directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	return nil
}

// LoadPrivateKey reads a PKCS#8 PEM Ed25519 key.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("%s: no %s PEM block", path, pemBlockType)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: key is %T, want Ed25519", path, parsed)
	}
	return key, nil
}

// LoadOrGenerateKey loads the key at path, generating and saving one if the
// file does not exist. The bool reports whether a key was generated.
func LoadOrGenerateKey(path string) (ed25519.PrivateKey, bool, error) {
	key, err := LoadPrivateKey(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	key, err = GenerateKey()
	if err != nil {
		return nil, false, err
	}
	if err := WritePrivateKey(path, key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// KeyID returns the base64url SHA-256 JWK thumbprint of pub.
func KeyID(pub ed25519.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

// JWKS returns the public verification keys as a JSON Web Key Set.
func (c *Codec) JWKS() jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{}
	// Signing key first so clients that only read keys[0] still work.
	set.Keys = append(set.Keys, jose.JSONWebKey{
		Key:       c.keys[c.kid],
		KeyID:     c.kid,
		Algorithm: string(jose.EdDSA),
		Use:       "sig",
	})
	rotated := make([]string, 0, len(c.keys))
	for kid := range c.keys {
		if kid != c.kid {
			rotated = append(rotated, kid)
		}
	}
	sort.Strings(rotated)
	for _, kid := range rotated {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       c.keys[kid],
			KeyID:     kid,
			Algorithm: string(jose.EdDSA),
			Use:       "sig",
		})
	}
	return set
}

// JWKSDocument returns the encoded key set and a strong ETag for it.
func (c *Codec) JWKSDocument() ([]byte, string, error) {
	body, err := json.Marshal(c.JWKS())
	if err != nil {
		return nil, "", fmt.Errorf("encoding jwks: %w", err)
	}
	sum := sha256.Sum256(body)
	return body, `"` + hex.EncodeToString(sum[:16]) + `"`, nil
}
