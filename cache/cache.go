// Package cache is the encrypted local copy of everything this device has
// sent or decrypted. The store only ever holds ciphertext, so history
// listing, echo suppression for self-sent messages and cleared-conversation
// checks all run against this cache.
package cache

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/wisp-io/go-wisp/clock"
	"github.com/wisp-io/go-wisp/config"
	"github.com/wisp-io/go-wisp/internal/db"
	"github.com/wisp-io/go-wisp/migration"
	"go.uber.org/zap"
)

const (
	KindPrivate = "private"
	KindGroup   = "group"
	KindRoom    = "room"
)

// Message is one plaintext message row. Pending rows are placeholders for
// messages whose key could not be resolved yet; they are overwritten in
// place once decryption succeeds.
type Message struct {
	ID          string `db:"id"`
	ScopeKey    string `db:"scope_key"`
	Kind        string `db:"kind"`
	Counterpart string `db:"counterpart"`
	From        string `db:"from_id"`
	Content     string `db:"content"`
	TS          uint64 `db:"ts"`
	StoredAt    uint64 `db:"stored_at"`
	Pending     bool   `db:"pending"`
}

// Scope is one distinct conversation present in the cache, used to rebuild
// subscriptions on startup.
type Scope struct {
	ScopeKey    string `db:"scope_key"`
	Kind        string `db:"kind"`
	Counterpart string `db:"counterpart"`
}

type Cache struct {
	log   *zap.SugaredLogger
	db    *db.Database
	clock clock.Clock
}

func NewCache(c *config.Config, internalDB *db.Database, cl clock.Clock) (*Cache, error) {
	if err := internalDB.Migrate("_cache", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _messages (
						id TEXT PRIMARY KEY,
						scope_key TEXT NOT NULL,
						kind TEXT NOT NULL,
						counterpart TEXT NOT NULL,
						from_id TEXT NOT NULL,
						content TEXT NOT NULL,
						ts INTEGER NOT NULL,
						stored_at INTEGER NOT NULL,
						pending INTEGER NOT NULL DEFAULT 0
					);
					CREATE INDEX messages_scope_key_idx on _messages (scope_key, ts);

					CREATE TABLE _cleared_conversations (
						conversation_key TEXT PRIMARY KEY,
						cleared_at INTEGER NOT NULL
					);

					CREATE TABLE _identity (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						pair BLOB NOT NULL
					);
					`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &Cache{
		log:   c.Logger("cache"),
		db:    internalDB,
		clock: cl,
	}, nil
}

// SaveMessage upserts m, stamping StoredAt when unset. Saving an id that
// already exists replaces the row, which is how pending placeholders become
// real messages.
func (c *Cache) SaveMessage(m *Message) error {
	if m.StoredAt == 0 {
		m.StoredAt = c.clock.CurrentTimeMs()
	}
	return c.db.Run("save message", func() error {
		if _, err := c.db.Tx.NamedExec("INSERT INTO _messages (id, scope_key, kind, counterpart, from_id, content, ts, stored_at, pending) VALUES (:id, :scope_key, :kind, :counterpart, :from_id, :content, :ts, :stored_at, :pending) ON CONFLICT(id) DO UPDATE SET content = :content, ts = :ts, pending = :pending", m); err != nil {
			return fmt.Errorf("cache: error upserting message: %w", err)
		}
		return nil
	})
}

// Message returns the row for id, or nil when the cache has never seen it.
func (c *Cache) Message(id string) (*Message, error) {
	var m Message
	var found bool
	if err := c.db.RunReadOnly("get message", func() error {
		if err := c.db.Tx.Get(&m, "SELECT * FROM _messages WHERE id = $1", id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("cache: error getting message: %w", err)
		}
		found = true
		return nil
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &m, nil
}

func (c *Cache) MessagesForScope(scopeKey string) ([]*Message, error) {
	var messages []*Message
	if err := c.db.RunReadOnly("get messages for scope", func() error {
		if err := c.db.Tx.Select(&messages, "SELECT * FROM _messages WHERE scope_key = $1 ORDER BY ts ASC, id ASC", scopeKey); err != nil {
			return fmt.Errorf("cache: error getting messages: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return messages, nil
}

func (c *Cache) PurgeScope(scopeKey string) error {
	return c.db.Run("purge scope", func() error {
		if _, err := c.db.Tx.Exec("DELETE FROM _messages WHERE scope_key = $1", scopeKey); err != nil {
			return fmt.Errorf("cache: error purging scope: %w", err)
		}
		return nil
	})
}

// Scopes lists every distinct conversation in the cache.
func (c *Cache) Scopes() ([]*Scope, error) {
	var scopes []*Scope
	if err := c.db.RunReadOnly("get scopes", func() error {
		if err := c.db.Tx.Select(&scopes, "SELECT DISTINCT scope_key, kind, counterpart FROM _messages"); err != nil {
			return fmt.Errorf("cache: error getting scopes: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return scopes, nil
}

func (c *Cache) MarkCleared(conversationKey string) error {
	at := c.clock.CurrentTimeMs()
	return c.db.Run("mark cleared", func() error {
		if _, err := c.db.Tx.Exec("INSERT INTO _cleared_conversations (conversation_key, cleared_at) VALUES ($1, $2) ON CONFLICT(conversation_key) DO UPDATE SET cleared_at = $2", conversationKey, at); err != nil {
			return fmt.Errorf("cache: error marking cleared: %w", err)
		}
		return nil
	})
}

func (c *Cache) ResetCleared(conversationKey string) error {
	return c.db.Run("reset cleared", func() error {
		if _, err := c.db.Tx.Exec("DELETE FROM _cleared_conversations WHERE conversation_key = $1", conversationKey); err != nil {
			return fmt.Errorf("cache: error resetting cleared: %w", err)
		}
		return nil
	})
}

func (c *Cache) IsCleared(conversationKey string) (bool, error) {
	var count int
	if err := c.db.RunReadOnly("check cleared", func() error {
		if err := c.db.Tx.Get(&count, "SELECT count(*) FROM _cleared_conversations WHERE conversation_key = $1", conversationKey); err != nil {
			return fmt.Errorf("cache: error checking cleared: %w", err)
		}
		return nil
	}); err != nil {
		return false, err
	}
	return count != 0, nil
}

// ClearedConversations lists every cleared conversation key, used to hydrate
// the in-memory set on startup.
func (c *Cache) ClearedConversations() ([]string, error) {
	keys := make([]string, 0)
	if err := c.db.RunReadOnly("list cleared", func() error {
		if err := c.db.Tx.Select(&keys, "SELECT conversation_key FROM _cleared_conversations ORDER BY conversation_key"); err != nil {
			return fmt.Errorf("cache: error listing cleared: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return keys, nil
}

// SaveIdentity stores the serialized key pair. The database key protects it
// at rest.
func (c *Cache) SaveIdentity(pair []byte) error {
	return c.db.Run("save identity", func() error {
		if _, err := c.db.Tx.Exec("INSERT INTO _identity (id, pair) VALUES (1, $1) ON CONFLICT(id) DO UPDATE SET pair = $1", pair); err != nil {
			return fmt.Errorf("cache: error saving identity: %w", err)
		}
		return nil
	})
}

// Identity returns the serialized key pair, or nil when none is stored.
func (c *Cache) Identity() ([]byte, error) {
	var pair []byte
	if err := c.db.RunReadOnly("get identity", func() error {
		if err := c.db.Tx.Get(&pair, "SELECT pair FROM _identity WHERE id = 1"); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("cache: error getting identity: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return pair, nil
}
