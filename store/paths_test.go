package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConversationKeyIsDirectionless(t *testing.T) {
	require.Equal(t, ConversationKey("alice", "bob"), ConversationKey("bob", "alice"))
	require.Equal(t, "alice|bob", ConversationKey("bob", "alice"))
}

func TestConversationKeyNormalizesDeviceQualifiers(t *testing.T) {
	require.Equal(t, ConversationKey("alice", "bob"), ConversationKey("alice.phone", "bob.laptop"))
}

func TestMessagesPathNormalizes(t *testing.T) {
	require.Equal(t, "messages/alice/bob", MessagesPath("alice.phone", "bob"))
}

func TestKeyLookupsCoverEveryLocation(t *testing.T) {
	lookups := KeyLookups("alice.phone")
	require.Len(t, lookups, 3)
	for _, l := range lookups {
		require.Equal(t, "alice", l.ID)
	}
	require.Equal(t, "users", lookups[0].Path)
	require.Equal(t, "epub", lookups[0].Field)
	require.Equal(t, "keys", lookups[1].Path)
	require.Equal(t, "", lookups[1].Field)
}
