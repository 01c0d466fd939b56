// Package auth implements the admin-surface token scheme: ES256 JWTs whose
// audience names the service they unlock. The server only verifies; key
// generation and minting are CLI utilities.
package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audiences accepted by the admin surfaces.
const (
	AudienceDiscovery = "discovery"
	AudienceOffer     = "offer"
)

const (
	privateKeyPEMType = "PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"
)

// GenerateKey returns a fresh P-256 keypair for token signing.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return key, nil
}

// EncodePrivateKey renders the key as PKCS#8 PEM.
func EncodePrivateKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: der}), nil
}

// EncodePublicKey renders the public half as PKIX PEM.
func EncodePublicKey(key *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der}), nil
}

// LoadPrivateKey reads a PKCS#8 PEM signing key from disk.
func LoadPrivateKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no pem block in private key %s", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s is not an ecdsa key", path)
	}
	return key, nil
}

// LoadPublicKey reads a PKIX PEM verification key from disk.
func LoadPublicKey(path string) (*ecdsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no pem block in public key %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key %s is not an ecdsa key", path)
	}
	return key, nil
}

// Mint signs a token that grants the given audience until expiresAt.
func Mint(key *ecdsa.PrivateKey, audience string, expiresAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verifier checks bearer tokens for one audience against one public key.
type Verifier struct {
	key      *ecdsa.PublicKey
	audience string
}

// NewVerifier builds a verifier for the given audience.
func NewVerifier(key *ecdsa.PublicKey, audience string) *Verifier {
	return &Verifier{key: key, audience: audience}
}

// NewVerifierFromFile loads the public key at path and builds a verifier.
func NewVerifierFromFile(path, audience string) (*Verifier, error) {
	key, err := LoadPublicKey(path)
	if err != nil {
		return nil, err
	}
	return NewVerifier(key, audience), nil
}

// Verify checks the token's signature, audience, and expiry.
func (v *Verifier) Verify(tokenString string) error {
	_, err := jwt.Parse(tokenString,
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	return nil
}
