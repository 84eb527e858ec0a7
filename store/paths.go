package store

import (
	"sort"
	"strings"

	"github.com/wisp-io/go-wisp/ids"
)

// The keyspace layout is shared by every participant and cannot change
// without stranding old peers, which is also why key lookups keep old
// locations alive.

// MessagesPath holds the private messages sent by from to to. Each direction
// of a conversation lives under its own path.
func MessagesPath(from, to string) string {
	return "messages/" + ids.Normalize(from) + "/" + ids.Normalize(to)
}

func GroupRecordsPath() string {
	return "groups"
}

func GroupMessagesPath(groupID string) string {
	return "groups/" + groupID + "/messages"
}

// GroupKeysPath holds wrapped group keys published outside the group record,
// one per member id. Recovered and late-added wraps land here so the group
// record itself never has to be rewritten.
func GroupKeysPath(groupID string) string {
	return "groups/" + groupID + "/keys"
}

func RoomRecordsPath() string {
	return "rooms"
}

func RoomMessagesPath(roomID string) string {
	return "rooms/" + roomID + "/messages"
}

// ConversationKey names a private conversation independently of which side
// is speaking.
func ConversationKey(a, b string) string {
	pair := []string{ids.Normalize(a), ids.Normalize(b)}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// A Lookup names one place a peer may have announced an encryption key.
type Lookup struct {
	Path  string
	ID    string
	Field string // field within a JSON record, empty for a bare value
}

// KeyLookups lists every location peer's epub may live at. Resolution races
// all of them and takes the first hit; announcement writes all of them.
func KeyLookups(peer string) []Lookup {
	id := ids.Normalize(peer)
	return []Lookup{
		{Path: "users", ID: id, Field: "epub"},
		{Path: "keys", ID: id},
		{Path: "profiles", ID: id, Field: "epub"},
	}
}
