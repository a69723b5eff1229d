package protocol

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// EncodeBase64 encodes raw bytes as unpadded base64url.
func EncodeBase64(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeBase64 decodes base64url input. Padded input is accepted.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	return base64.RawURLEncoding.DecodeString(s)
}

// CanonicalBytes returns the RFC 8785 encoding of v. Equal values always
// produce equal bytes, which is what signatures and ids are computed over.
func CanonicalBytes(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// Hash returns the base64url SHA-256 digest of the given strings. Every
// string is prefixed with its decimal byte length so that ("ab","c") and
// ("a","bc") never collide.
func Hash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(strconv.Itoa(len(p))))
		_, _ = h.Write([]byte(p))
	}
	return EncodeBase64(h.Sum(nil))
}

// MessageID derives the content address of an envelope.
func MessageID(data, signature []byte) string {
	return Hash(EncodeBase64(data), EncodeBase64(signature))
}

// DecodePayload decodes payloads.
func DecodePayload[T any](raw []byte) (T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
