package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/kevinburke/nacl/box"
	"golang.org/x/crypto/chacha20poly1305"
)

// Provider is the set of primitives the messaging layers are built on.
// DeriveSharedSecret is symmetric: the secret derived from (A's epub, B's
// pair) equals the secret derived from (B's epub, A's pair), so either side
// of a conversation can seal and open with the same key.
type Provider interface {
	DeriveSharedSecret(peerEPub string, own *KeyPair) ([]byte, error)
	Encrypt(plaintext, key []byte) (string, error)
	Decrypt(sealed string, key []byte) ([]byte, error)
	Sign(data []byte, own *KeyPair) (string, error)
	Verify(sig, peerID string) ([]byte, bool)
}

type naclProvider struct{}

// NewProvider makes the default Provider, backed by curve25519 shared
// secrets, chacha20poly1305 sealing and ed25519 signatures.
func NewProvider() Provider {
	return naclProvider{}
}

func (naclProvider) DeriveSharedSecret(peerEPub string, own *KeyPair) ([]byte, error) {
	peerKey, err := decodeEPub(peerEPub)
	if err != nil {
		return nil, err
	}
	shared := box.Precompute(peerKey, own.encryptionKey())
	return shared[:], nil
}

func (naclProvider) Encrypt(plaintext, key []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("crypto: error creating cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := io.ReadFull(crypto_rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: error generating nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (naclProvider) Decrypt(sealed string, key []byte) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("crypto: error decoding sealed value: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("crypto: sealed value too short")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: error creating cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: error opening sealed value: %w", err)
	}
	return plaintext, nil
}

// Sign produces a self-contained token carrying both the data and its
// signature, so verifiers recover the signed bytes from the token alone.
func (naclProvider) Sign(data []byte, own *KeyPair) (string, error) {
	sig := ed25519.Sign(own.signingKey(), data)
	return base64.RawURLEncoding.EncodeToString(data) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks sig against the given peer id and returns the signed bytes.
// Any malformed token, unknown id encoding or signature mismatch reports
// false.
func (naclProvider) Verify(sig, peerID string) ([]byte, bool) {
	pub, err := DecodePeerID(peerID)
	if err != nil {
		return nil, false
	}
	dot := strings.IndexByte(sig, '.')
	if dot < 0 {
		return nil, false
	}
	data, err := base64.RawURLEncoding.DecodeString(sig[:dot])
	if err != nil {
		return nil, false
	}
	rawSig, err := base64.RawURLEncoding.DecodeString(sig[dot+1:])
	if err != nil {
		return nil, false
	}
	if len(rawSig) != ed25519.SignatureSize || !ed25519.Verify(pub, data, rawSig) {
		return nil, false
	}
	return data, true
}
