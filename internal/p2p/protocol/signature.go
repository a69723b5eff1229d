package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

var (
	ErrSigning          = errors.New("signing failed")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidKey       = errors.New("invalid public key")
)

// KeyPair is an Ed25519 signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a random key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// KeyPairFromSeed rebuilds a key pair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("%w: seed must be %d bytes", ErrSigning, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// PublicKey returns the base64url form used on the wire and as map key.
func (k KeyPair) PublicKey() string {
	return EncodeBase64(k.Public)
}

// Sign signs data with the private key.
func (k KeyPair) Sign(data []byte) ([]byte, error) {
	return Sign(k.Private, data)
}

// Sign signs data, failing with ErrSigning on malformed key material.
func Sign(priv ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrSigning, ed25519.PrivateKeySize)
	}
	return ed25519.Sign(priv, data), nil
}

// Verify reports whether sig is a valid signature of data by pub.
func Verify(pub, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}

// VerifyEncoded is Verify over base64url encoded key and signature.
func VerifyEncoded(pub string, data []byte, sig string) bool {
	pubRaw, err := DecodeBase64(pub)
	if err != nil {
		return false
	}
	sigRaw, err := DecodeBase64(sig)
	if err != nil {
		return false
	}
	return Verify(pubRaw, data, sigRaw)
}

// ParsePublicKey decodes and length-checks a base64url public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := DecodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// CanonicalKey returns the unpadded base64url form of a public key. Keys are
// compared as strings, so every key taken off the wire goes through here.
func CanonicalKey(s string) (string, error) {
	pub, err := ParsePublicKey(s)
	if err != nil {
		return "", err
	}
	return EncodeBase64(pub), nil
}

// IsCanonicalKey reports whether s is a public key in canonical form.
func IsCanonicalKey(s string) bool {
	k, err := CanonicalKey(s)
	return err == nil && k == s
}

// SignMessageID produces a witness signature over a message id. The signed
// bytes are the decoded id.
func SignMessageID(k KeyPair, messageID string) (string, error) {
	idRaw, err := DecodeBase64(messageID)
	if err != nil {
		return "", fmt.Errorf("decode message id: %w", err)
	}
	sig, err := k.Sign(idRaw)
	if err != nil {
		return "", err
	}
	return EncodeBase64(sig), nil
}

// VerifyMessageID checks a witness signature over a message id.
func VerifyMessageID(witness, messageID, signature string) bool {
	idRaw, err := DecodeBase64(messageID)
	if err != nil {
		return false
	}
	return VerifyEncoded(witness, idRaw, signature)
}
