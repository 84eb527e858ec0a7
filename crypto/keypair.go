package crypto

import (
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
)

// A KeyPair holds a peer's signing pair and encryption pair. The signing public
// key doubles as the peer id; the encryption public key (epub) is a separate
// curve25519 key published to the store for shared-secret derivation.
type KeyPair struct {
	Pub   string `json:"pub"`
	Priv  []byte `json:"priv"`
	EPub  string `json:"epub"`
	EPriv []byte `json:"epriv"`
}

func NewKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: error generating signing key: %w", err)
	}
	epub, epriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: error generating encryption key: %w", err)
	}
	return &KeyPair{
		Pub:   base64.RawURLEncoding.EncodeToString(pub),
		Priv:  priv,
		EPub:  base64.RawURLEncoding.EncodeToString(epub[:]),
		EPriv: epriv[:],
	}, nil
}

// ID returns the peer id for this key pair.
func (kp *KeyPair) ID() string {
	return kp.Pub
}

func (kp *KeyPair) signingKey() ed25519.PrivateKey {
	return ed25519.PrivateKey(kp.Priv)
}

func (kp *KeyPair) encryptionKey() nacl.Key {
	if len(kp.EPriv) != 32 {
		panic("epriv is wrong length")
	}
	return nacl.Key(kp.EPriv)
}

// DecodePeerID decodes a peer id back into a signing public key.
func DecodePeerID(id string) (ed25519.PublicKey, error) {
	b, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("crypto: error decoding peer id: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("crypto: expected peer id of length %d, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func decodeEPub(epub string) (nacl.Key, error) {
	b, err := base64.RawURLEncoding.DecodeString(epub)
	if err != nil {
		return nil, fmt.Errorf("crypto: error decoding epub: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto: expected epub of length 32, got %d", len(b))
	}
	return nacl.Key(b), nil
}

// ValidEPub reports whether epub decodes to a usable encryption key.
func ValidEPub(epub string) bool {
	_, err := decodeEPub(epub)
	return err == nil
}

// RandomKey makes a fresh 32-byte symmetric key.
func RandomKey() []byte {
	var key [32]byte
	if _, err := io.ReadFull(crypto_rand.Reader, key[:]); err != nil {
		panic("short read from random source")
	}
	return key[:]
}
