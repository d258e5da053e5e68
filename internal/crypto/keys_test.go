package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.True(t, kp.HasPrivateKey())
	assert.NotEmpty(t, kp.PublicKeyString())
	assert.NotContains(t, kp.PublicKeyString(), "\n")
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	sig, err := kp.Sign("hello world")
	require.NoError(t, err)
	assert.NotContains(t, sig, "\n")

	assert.True(t, kp.Verify("hello world", sig))
	assert.False(t, kp.Verify("hello world!", sig))
	assert.False(t, kp.Verify("hello world", sig[:len(sig)-4]+"AAAA"))
}

func TestVerifyWithParsedPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	pub, err := ParsePublicKey(kp.PublicKeyString())
	require.NoError(t, err)
	assert.False(t, pub.HasPrivateKey())

	sig, err := kp.Sign("payload")
	require.NoError(t, err)
	assert.True(t, pub.Verify("payload", sig))

	_, err = pub.Sign("payload")
	assert.Error(t, err)
}

func TestParsePublicKeyPEM(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	// Rewrap the canonical body in PEM fences with line breaks.
	body := kp.PublicKeyString()
	var sb strings.Builder
	sb.WriteString("-----BEGIN RSA PUBLIC KEY-----\n")
	for i := 0; i < len(body); i += 64 {
		end := i + 64
		if end > len(body) {
			end = len(body)
		}
		sb.WriteString(body[i:end])
		sb.WriteString("\n")
	}
	sb.WriteString("-----END RSA PUBLIC KEY-----\n")

	parsed, err := ParsePublicKey(sb.String())
	require.NoError(t, err)
	assert.Equal(t, body, parsed.PublicKeyString())
}

func TestParsePublicKeyPKCS8Prefix(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	parsed, err := ParsePublicKey(pkcs8Prefix + kp.PublicKeyString())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKeyString(), parsed.PublicKeyString())
}

func TestParsePrivateKeyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(kp.PrivateKeyPEM())
	require.NoError(t, err)
	require.True(t, parsed.HasPrivateKey())
	assert.Equal(t, kp.PublicKeyString(), parsed.PublicKeyString())

	sig, err := parsed.Sign("roundtrip")
	require.NoError(t, err)
	assert.True(t, kp.Verify("roundtrip", sig))
}

func TestContentID(t *testing.T) {
	digest := sha256.Sum256([]byte("part1::part2"))
	expected := hex.EncodeToString(digest[:16])

	assert.Equal(t, expected, ContentID("part1", "part2"))
	// Empty inputs are skipped, not joined.
	assert.Equal(t, expected, ContentID("part1", "", "part2"))
	assert.Len(t, ContentID("a"), 32)
}

func TestRandomID(t *testing.T) {
	a := RandomID()
	b := RandomID()
	assert.True(t, IsHexID(a))
	assert.True(t, IsHexID(b))
	assert.NotEqual(t, a, b)
}

func TestIsHexID(t *testing.T) {
	assert.True(t, IsHexID("0123456789abcdef0123456789abcdef"))
	assert.False(t, IsHexID("0123456789abcdef"))
	assert.False(t, IsHexID("zz23456789abcdef0123456789abcdef"))
}
