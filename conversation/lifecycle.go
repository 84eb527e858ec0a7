// Package conversation manages clearing and restoring private
// conversations. Clearing a pair suppresses inbound dispatch, nulls every
// record on both directional paths and purges the local history. The
// cleared set lives in memory and is hydrated from the cache on startup, so
// a clear survives restarts.
package conversation

import (
	"context"
	"sync"

	"github.com/wisp-io/go-wisp/cache"
	"github.com/wisp-io/go-wisp/config"
	"github.com/wisp-io/go-wisp/ids"
	"github.com/wisp-io/go-wisp/store"
	"go.uber.org/zap"
)

type Lifecycle struct {
	log   *zap.SugaredLogger
	store store.Store
	cache *cache.Cache
	self  string

	lock    sync.Mutex
	cleared map[string]bool
}

func NewLifecycle(c *config.Config, s store.Store, messageCache *cache.Cache, self string) (*Lifecycle, error) {
	keys, err := messageCache.ClearedConversations()
	if err != nil {
		return nil, err
	}
	cleared := make(map[string]bool, len(keys))
	for _, key := range keys {
		cleared[key] = true
	}
	return &Lifecycle{
		log:     c.Logger("conversation"),
		store:   s,
		cache:   messageCache,
		self:    ids.Normalize(self),
		cleared: cleared,
	}, nil
}

func (l *Lifecycle) IsCleared(conversationKey string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.cleared[conversationKey]
}

// Clear marks the pair cleared, nulls both directional paths and purges the
// local history. The mark lands first so inbound dispatch stops even if the
// store writes trail behind.
func (l *Lifecycle) Clear(ctx context.Context, peer string) error {
	key := l.key(peer)
	l.setCleared(key, true)
	if err := l.cache.MarkCleared(key); err != nil {
		return err
	}
	l.nullify(ctx, peer)
	return l.cache.PurgeScope(key)
}

// Nullify wipes the pair's records and local history without marking the
// conversation cleared, so new messages keep flowing.
func (l *Lifecycle) Nullify(ctx context.Context, peer string) error {
	l.nullify(ctx, peer)
	return l.cache.PurgeScope(l.key(peer))
}

// Reset unmarks a cleared conversation. History nulled by the clear is gone;
// only future messages come back.
func (l *Lifecycle) Reset(peer string) error {
	key := l.key(peer)
	l.setCleared(key, false)
	return l.cache.ResetCleared(key)
}

func (l *Lifecycle) key(peer string) string {
	return store.ConversationKey(l.self, peer)
}

func (l *Lifecycle) setCleared(key string, cleared bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if cleared {
		l.cleared[key] = true
	} else {
		delete(l.cleared, key)
	}
}

// nullify overwrites every record on both directional paths with a
// tombstone. Failures are logged and skipped; an orphaned ciphertext record
// is unreadable noise, not a correctness problem.
func (l *Lifecycle) nullify(ctx context.Context, peer string) {
	p := ids.Normalize(peer)
	for _, path := range []string{store.MessagesPath(l.self, p), store.MessagesPath(p, l.self)} {
		records, err := l.store.Map(ctx, path)
		if err != nil {
			l.log.Warnf("listing %s for nullify: %s", path, err)
			continue
		}
		nulled := 0
		for id := range records {
			if err := l.store.Put(ctx, path, id, nil); err != nil {
				l.log.Warnf("nulling %s/%s: %s", path, id, err)
				continue
			}
			nulled++
		}
		l.log.Debugf("nulled %d of %d records at %s", nulled, len(records), path)
	}
}
