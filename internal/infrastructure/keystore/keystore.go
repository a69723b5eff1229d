package keystore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/popstellar/laocore/internal/p2p/protocol"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "LAOKEY1\n"
	kdfName         = "argon2id"
)

var (
	ErrNoKey      = errors.New("no signing key configured")
	ErrAuthFailed = errors.New("key file authentication failed")
	ErrInvalid    = errors.New("key file is invalid")
)

// Source says where the node signing seed comes from.
type Source struct {
	// Seed is a 32-byte Ed25519 seed, hex or base64url encoded.
	Seed string
	// File is an encrypted key file, opened with Passphrase.
	File       string
	Passphrase string
}

// Envelope is the on-disk form of an encrypted seed.
type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Load resolves the node key pair. An inline seed wins over a key file.
func Load(src Source) (protocol.KeyPair, error) {
	if seed := strings.TrimSpace(src.Seed); seed != "" {
		raw, err := decodeSeed(seed)
		if err != nil {
			return protocol.KeyPair{}, err
		}
		return protocol.KeyPairFromSeed(raw)
	}
	if src.File == "" {
		return protocol.KeyPair{}, ErrNoKey
	}
	data, err := os.ReadFile(src.File)
	if err != nil {
		return protocol.KeyPair{}, fmt.Errorf("read key file: %w", err)
	}
	seed, err := Decrypt(src.Passphrase, data)
	if err != nil {
		return protocol.KeyPair{}, err
	}
	defer zeroBytes(seed)
	return protocol.KeyPairFromSeed(seed)
}

func decodeSeed(s string) ([]byte, error) {
	if raw, err := hex.DecodeString(s); err == nil {
		return raw, nil
	}
	raw, err := protocol.DecodeBase64(s)
	if err != nil {
		return nil, fmt.Errorf("signing seed is neither hex nor base64: %w", err)
	}
	return raw, nil
}

// WriteKeyFile encrypts the seed of key into path.
func WriteKeyFile(path, passphrase string, key protocol.KeyPair) error {
	data, err := Encrypt(passphrase, key.Private.Seed())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func Encrypt(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	env := &Envelope{
		Version:     envelopeVersion,
		KDF:         kdfName,
		KDFTime:     2,
		KDFMemoryKB: 64 * 1024,
		KDFThreads:  1,
		Salt:        salt,
	}
	key := env.deriveKey(passphrase)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	env.Nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, err
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce, plaintext, nil)

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func Decrypt(passphrase string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrInvalid
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != envelopeVersion || env.KDF != kdfName || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	key := env.deriveKey(passphrase)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *Envelope) deriveKey(passphrase string) []byte {
	return argon2.IDKey([]byte(passphrase), e.Salt, e.KDFTime, e.KDFMemoryKB, e.KDFThreads, chacha20poly1305.KeySize)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
