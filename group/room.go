package group

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/wisp-io/go-wisp/crypto"
	"github.com/wisp-io/go-wisp/ids"
	"github.com/wisp-io/go-wisp/keys"
	"github.com/wisp-io/go-wisp/store"
	"golang.org/x/crypto/argon2"
)

// roomKeySalt is fixed protocol-wide; every holder of a token must derive
// the same key.
var roomKeySalt = []byte("wisp.room.key.v1")

// RoomRecord is a token room as stored. The token is the room's single
// shared secret: anyone holding it can read and write, there is no
// per-member wrapping.
type RoomRecord struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Token     string `json:"token"`
	CreatedBy string `json:"createdBy"`
	CreatedAt uint64 `json:"createdAt"`
}

// CreateRoom makes a token room with a fresh random token and publishes its
// record.
func (m *Manager) CreateRoom(ctx context.Context, name string) (*RoomRecord, error) {
	record := &RoomRecord{
		ID:        ids.NewGroupID(),
		Name:      name,
		Token:     base64.RawURLEncoding.EncodeToString(crypto.RandomKey()),
		CreatedBy: m.self.ID(),
		CreatedAt: m.clock.CurrentTimeMs(),
	}
	value, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("group: error marshaling room record: %w", err)
	}
	if err := m.store.Put(ctx, store.RoomRecordsPath(), record.ID, value); err != nil {
		return nil, fmt.Errorf("group: error persisting room %q: %w", name, err)
	}
	m.log.Debugf("created room %q", name)
	return record, nil
}

func (m *Manager) LoadRoom(ctx context.Context, roomID string) (*RoomRecord, error) {
	value, err := m.store.Get(ctx, store.RoomRecordsPath(), roomID)
	if err != nil {
		return nil, fmt.Errorf("group: error loading room %s: %w", roomID, err)
	}
	if value == nil {
		return nil, fmt.Errorf("group: room record %s: %w", roomID, keys.ErrKeyNotFound)
	}
	var record RoomRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("group: error decoding room record %s: %w", roomID, err)
	}
	return &record, nil
}

// RoomKey stretches a room token into a sealing key.
func RoomKey(token string) []byte {
	return argon2.IDKey([]byte(token), roomKeySalt, 1, 64*1024, 4, 32)
}
