// This package defines helpers for the identifiers used throughout wisp. Peers are
// identified by their base64url-encoded signing public key, optionally carrying a
// dot-separated device qualifier which is ignored for comparison. Messages, groups
// and rooms are identified by random UUIDs minted at creation.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Normalize strips a trailing device qualifier from a peer id, so
// "abc123.phone" and "abc123" refer to the same peer.
func Normalize(id string) string {
	if i := strings.IndexByte(id, '.'); i != -1 {
		return id[:i]
	}
	return id
}

// Equal reports whether two peer ids refer to the same peer after normalization.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// ValidPeer reports whether an id is usable as a store path segment.
func ValidPeer(id string) bool {
	if id == "" {
		return false
	}
	return !strings.ContainsAny(id, "/\n")
}

// NewMessageID mints a new globally-unique message id.
func NewMessageID() string {
	return uuid.NewString()
}

// NewGroupID mints a new group or room id.
func NewGroupID() string {
	return uuid.NewString()
}
