package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"
)

// pkcs8Prefix is the base64 of the fixed 24-byte PKCS#8 header for an
// RSA-2048 public key. The header is a multiple of 3 bytes, so stripping
// this prefix from a PKCS#8 body leaves valid base64 of the PKCS#1 DER.
const pkcs8Prefix = "MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8A"

const keyBits = 2048

// KeyPair holds an RSA key pair. The private half may be nil when only the
// public key is known (e.g. certificates received from a peer).
type KeyPair struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// GenerateKeyPair creates a new RSA-2048 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return &KeyPair{private: priv, public: &priv.PublicKey}, nil
}

// ParsePublicKey accepts a public key as PEM, as a single-line base64 PKCS#8
// body, or as the normalized headerless base64 PKCS#1 body, and returns a
// verify-only KeyPair.
func ParsePublicKey(s string) (*KeyPair, error) {
	body := normalizePublicKeyString(s)

	der, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}

	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		// Some producers emit PKCS#8 without the well-known prefix split.
		if key, err8 := x509.ParsePKIXPublicKey(der); err8 == nil {
			if rsaKey, ok := key.(*rsa.PublicKey); ok {
				return &KeyPair{public: rsaKey}, nil
			}
		}
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return &KeyPair{public: pub}, nil
}

// ParsePrivateKey accepts a PKCS#1 or PKCS#8 PEM-encoded private key.
func ParsePrivateKey(s string) (*KeyPair, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("invalid private key: no PEM block found")
	}

	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &KeyPair{private: priv, public: &priv.PublicKey}, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("invalid private key: not an RSA key")
	}
	return &KeyPair{private: priv, public: &priv.PublicKey}, nil
}

// normalizePublicKeyString strips PEM fences, newlines and the PKCS#8
// prefix, leaving the headerless base64 PKCS#1 body.
func normalizePublicKeyString(s string) string {
	s = strings.ReplaceAll(s, "-----BEGIN PUBLIC KEY-----", "")
	s = strings.ReplaceAll(s, "-----END PUBLIC KEY-----", "")
	s = strings.ReplaceAll(s, "-----BEGIN RSA PUBLIC KEY-----", "")
	s = strings.ReplaceAll(s, "-----END RSA PUBLIC KEY-----", "")
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, pkcs8Prefix)
	return s
}

// PublicKeyString returns the canonical wire form of the public key: the
// base64 PKCS#1 DER body with no headers and no newlines. This is the form
// hashed into certificate IDs and exchanged between peers.
func (k *KeyPair) PublicKeyString() string {
	if k.public == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PublicKey(k.public))
}

// PrivateKeyPEM returns the PKCS#1 PEM encoding of the private key, or the
// empty string when the private half is absent.
func (k *KeyPair) PrivateKeyPEM() string {
	if k.private == nil {
		return ""
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.private),
	}
	return string(pem.EncodeToMemory(block))
}

// HasPrivateKey reports whether the pair can sign.
func (k *KeyPair) HasPrivateKey() bool {
	return k.private != nil
}

// Sign signs the UTF-8 bytes of message with RSASSA-PKCS1-v1_5 over SHA-256
// and returns the signature as base64 without newlines.
func (k *KeyPair) Sign(message string) (string, error) {
	if k.private == nil {
		return "", fmt.Errorf("cannot sign: no private key")
	}
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.private, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature (base64) is a valid signature of message
// under this public key.
func (k *KeyPair) Verify(message, signature string) bool {
	if k.public == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(signature, "\n", ""))
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(message))
	return rsa.VerifyPKCS1v15(k.public, crypto.SHA256, digest[:], sig) == nil
}
