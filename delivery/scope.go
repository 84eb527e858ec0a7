package delivery

import (
	"github.com/wisp-io/go-wisp/cache"
	"github.com/wisp-io/go-wisp/group"
	"github.com/wisp-io/go-wisp/ids"
	"github.com/wisp-io/go-wisp/store"
)

// Scope names one conversation worth of store traffic: the paths to watch,
// the key history rows file under, and the material needed to open payloads.
// A private scope watches both directional paths so the pair behaves as a
// single conversation regardless of which side wrote a record.
type Scope struct {
	Kind    string
	Key     string
	Paths   []string
	Peer    string
	GroupID string
	RoomID  string

	roomKey []byte
}

func PrivateScope(self, peer string) Scope {
	s := ids.Normalize(self)
	p := ids.Normalize(peer)
	return Scope{
		Kind: cache.KindPrivate,
		Key:  store.ConversationKey(s, p),
		Peer: p,
		Paths: []string{
			store.MessagesPath(p, s),
			store.MessagesPath(s, p),
		},
	}
}

func GroupScope(groupID string) Scope {
	return Scope{
		Kind:    cache.KindGroup,
		Key:     groupID,
		GroupID: groupID,
		Paths:   []string{store.GroupMessagesPath(groupID)},
	}
}

// RoomScope derives the room key from the token up front; joining a room is
// the only moment the token is in hand.
func RoomScope(roomID, token string) Scope {
	return Scope{
		Kind:    cache.KindRoom,
		Key:     roomID,
		RoomID:  roomID,
		Paths:   []string{store.RoomMessagesPath(roomID)},
		roomKey: group.RoomKey(token),
	}
}

// mapKey qualifies the scope key by kind so a group and a room with the same
// id cannot collide in the processor's tables.
func (s Scope) mapKey() string {
	return s.Kind + ":" + s.Key
}

// counterpart is what history rows index the conversation by: the peer for
// private scopes, the group or room id otherwise.
func (s Scope) counterpart() string {
	switch s.Kind {
	case cache.KindPrivate:
		return s.Peer
	case cache.KindGroup:
		return s.GroupID
	default:
		return s.RoomID
	}
}
