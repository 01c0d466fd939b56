package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func TestMintVerifyRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	token, err := Mint(key, AudienceDiscovery, time.Now().Add(time.Hour))
	require.NoError(t, err)

	v := NewVerifier(&key.PublicKey, AudienceDiscovery)
	require.NoError(t, v.Verify(token))
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	token, err := Mint(key, AudienceOffer, time.Now().Add(time.Hour))
	require.NoError(t, err)

	v := NewVerifier(&key.PublicKey, AudienceDiscovery)
	require.Error(t, v.Verify(token))
}

func TestVerifyRejectsExpired(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	token, err := Mint(key, AudienceDiscovery, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	v := NewVerifier(&key.PublicKey, AudienceDiscovery)
	require.Error(t, v.Verify(token))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	token, err := Mint(signer, AudienceDiscovery, time.Now().Add(time.Hour))
	require.NoError(t, err)

	v := NewVerifier(&other.PublicKey, AudienceDiscovery)
	require.Error(t, v.Verify(token))
}

func TestVerifyRejectsUnsignedToken(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{
		Audience:  jwt.ClaimStrings{AudienceDiscovery},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	v := NewVerifier(&key.PublicKey, AudienceDiscovery)
	require.Error(t, v.Verify(unsigned))
}

func TestKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")

	privatePEM, err := EncodePrivateKey(key)
	require.NoError(t, err)
	publicPEM, err := EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)

	writeFile(t, privatePath, privatePEM)
	writeFile(t, publicPath, publicPEM)

	loadedPrivate, err := LoadPrivateKey(privatePath)
	require.NoError(t, err)
	require.True(t, key.Equal(loadedPrivate))

	loadedPublic, err := LoadPublicKey(publicPath)
	require.NoError(t, err)
	require.True(t, key.PublicKey.Equal(loadedPublic))

	token, err := Mint(loadedPrivate, AudienceOffer, time.Now().Add(time.Hour))
	require.NoError(t, err)

	v, err := NewVerifierFromFile(publicPath, AudienceOffer)
	require.NoError(t, err)
	require.NoError(t, v.Verify(token))
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.pem")
	writeFile(t, path, []byte("not a key"))

	_, err := LoadPrivateKey(path)
	require.Error(t, err)
	_, err = LoadPublicKey(path)
	require.Error(t, err)

	_, err = LoadPublicKey(filepath.Join(dir, "missing.pem"))
	require.Error(t, err)
}
