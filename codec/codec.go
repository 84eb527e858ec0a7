// Package codec seals and opens message envelopes. Private messages sign a
// canonical body and seal the whole plaintext object under a pairwise shared
// secret. Group and room messages sign the content alone and seal the signed
// token under the shared key, which already scopes the message to its
// audience. Nothing in an envelope leaves this package unverified.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wisp-io/go-wisp/crypto"
	"github.com/wisp-io/go-wisp/ids"
)

var (
	ErrMalformed        = errors.New("codec: malformed envelope")
	ErrMissingKey       = errors.New("codec: missing key")
	ErrBadCiphertext    = errors.New("codec: unable to decrypt")
	ErrSignatureInvalid = errors.New("codec: signature invalid")
)

// Envelope is the store representation of a message. Data holds the sealed
// payload. A zero TS means the sender never stamped one; readers treat the
// message as new rather than replayed.
type Envelope struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Data string `json:"data"`
	TS   uint64 `json:"ts,omitempty"`
}

// Plaintext is the inner message. Sig covers the canonical body of content,
// id and ts so verification is independent of field insertion order.
type Plaintext struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Content string `json:"content"`
	TS      uint64 `json:"ts"`
	Sig     string `json:"sig,omitempty"`
}

type Codec struct {
	provider crypto.Provider
	self     *crypto.KeyPair
}

func NewCodec(provider crypto.Provider, self *crypto.KeyPair) *Codec {
	return &Codec{provider: provider, self: self}
}

// SealPrivate signs the canonical body, embeds the signature in the
// plaintext and seals the whole object under the pairwise secret.
func (c *Codec) SealPrivate(p *Plaintext, secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("codec: sealing %s: %w", p.ID, ErrMissingKey)
	}
	body, err := canonicalBody(p.Content, p.ID, p.TS)
	if err != nil {
		return nil, err
	}
	sig, err := c.provider.Sign(body, c.self)
	if err != nil {
		return nil, fmt.Errorf("codec: error signing %s: %w", p.ID, err)
	}
	inner, err := json.Marshal(&Plaintext{ID: p.ID, From: p.From, Content: p.Content, TS: p.TS, Sig: sig})
	if err != nil {
		return nil, fmt.Errorf("codec: error marshaling plaintext: %w", err)
	}
	sealed, err := c.provider.Encrypt(inner, secret)
	if err != nil {
		return nil, fmt.Errorf("codec: error sealing %s: %w", p.ID, err)
	}
	return json.Marshal(&Envelope{ID: p.ID, From: p.From, Data: sealed, TS: p.TS})
}

// SealShared signs the content alone and seals the signed token under the
// shared group or room key.
func (c *Codec) SealShared(p *Plaintext, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("codec: sealing %s: %w", p.ID, ErrMissingKey)
	}
	sig, err := c.provider.Sign([]byte(p.Content), c.self)
	if err != nil {
		return nil, fmt.Errorf("codec: error signing %s: %w", p.ID, err)
	}
	sealed, err := c.provider.Encrypt([]byte(sig), key)
	if err != nil {
		return nil, fmt.Errorf("codec: error sealing %s: %w", p.ID, err)
	}
	return json.Marshal(&Envelope{ID: p.ID, From: p.From, Data: sealed, TS: p.TS})
}

// OpenPrivate decrypts a private envelope and verifies the inner signature
// when one is present. The decrypted payload is either a plaintext object or
// a bare string from an older writer; both are accepted.
func (c *Codec) OpenPrivate(env *Envelope, secret []byte) (*Plaintext, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("codec: opening %s: %w", env.ID, ErrMissingKey)
	}
	raw, err := c.provider.Decrypt(env.Data, secret)
	if err != nil {
		return nil, fmt.Errorf("codec: opening %s: %w", env.ID, ErrBadCiphertext)
	}
	p := normalizePlaintext(raw)
	if p.ID == "" {
		p.ID = env.ID
	}
	if p.From == "" {
		p.From = env.From
	}
	if p.TS == 0 {
		p.TS = env.TS
	}
	if p.Sig != "" {
		recovered, ok := c.provider.Verify(p.Sig, ids.Normalize(p.From))
		if !ok {
			return nil, fmt.Errorf("codec: opening %s: %w", env.ID, ErrSignatureInvalid)
		}
		body, err := canonicalBody(p.Content, p.ID, p.TS)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(recovered, body) {
			return nil, fmt.Errorf("codec: opening %s: %w", env.ID, ErrSignatureInvalid)
		}
	}
	return p, nil
}

// OpenShared decrypts a group or room envelope and recovers the content from
// the signed token inside. A payload that does not verify against the
// claimed sender is rejected whole.
func (c *Codec) OpenShared(env *Envelope, key []byte) (*Plaintext, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("codec: opening %s: %w", env.ID, ErrMissingKey)
	}
	raw, err := c.provider.Decrypt(env.Data, key)
	if err != nil {
		return nil, fmt.Errorf("codec: opening %s: %w", env.ID, ErrBadCiphertext)
	}
	content, ok := c.provider.Verify(string(raw), ids.Normalize(env.From))
	if !ok {
		return nil, fmt.Errorf("codec: opening %s: %w", env.ID, ErrSignatureInvalid)
	}
	return &Plaintext{ID: env.ID, From: env.From, Content: string(content), TS: env.TS}, nil
}

// DecodeEnvelope parses a store value into an envelope. Some writers store
// the envelope JSON-encoded as a string value, others write the object
// directly; both decode here.
func DecodeEnvelope(value []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return nil, ErrMalformed
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, ErrMalformed
		}
		trimmed = bytes.TrimSpace([]byte(s))
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrMalformed
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, ErrMalformed
	}
	if env.ID == "" || env.From == "" || env.Data == "" {
		return nil, ErrMalformed
	}
	return &env, nil
}

// normalizePlaintext turns the decrypted payload into a plaintext: a JSON
// object keeps its fields, anything else is bare content.
func normalizePlaintext(raw []byte) *Plaintext {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p Plaintext
		if err := json.Unmarshal(trimmed, &p); err == nil {
			return &p
		}
	}
	return &Plaintext{Content: string(raw)}
}

// canonicalBody is the byte string private signatures cover. Marshaling a
// map keeps the keys sorted, so both sides produce identical bytes.
func canonicalBody(content, id string, ts uint64) ([]byte, error) {
	body, err := json.Marshal(map[string]interface{}{
		"content": content,
		"id":      id,
		"ts":      ts,
	})
	if err != nil {
		return nil, fmt.Errorf("codec: error marshaling signed body: %w", err)
	}
	return body, nil
}
