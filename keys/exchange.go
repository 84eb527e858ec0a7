// Package keys resolves peer encryption keys from the store. A peer's epub
// can live at several keyspace locations depending on which client version
// announced it, so resolution races every location and takes the first hit.
// Results are cached with a TTL and concurrent resolutions for the same peer
// collapse into a single lookup.
package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wisp-io/go-wisp/clock"
	"github.com/wisp-io/go-wisp/config"
	"github.com/wisp-io/go-wisp/crypto"
	"github.com/wisp-io/go-wisp/ids"
	"github.com/wisp-io/go-wisp/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrKeyNotFound reports that every location and retry was exhausted without
// finding a usable key. Resolution can be retried later; peers announce on
// startup, so a missing key is often just a peer that hasn't come online yet.
var ErrKeyNotFound = errors.New("keys: key not found")

type entry struct {
	epub    string
	expires uint64
}

type Exchange struct {
	log    *zap.SugaredLogger
	config *config.Config
	clock  clock.Clock
	store  store.Store
	self   *crypto.KeyPair

	flight singleflight.Group
	lock   sync.Mutex
	cache  map[string]entry
}

func NewExchange(c *config.Config, cl clock.Clock, s store.Store, self *crypto.KeyPair) *Exchange {
	return &Exchange{
		log:    c.Logger("keys"),
		config: c,
		clock:  cl,
		store:  s,
		self:   self,
		cache:  make(map[string]entry),
	}
}

// EPub resolves the encryption key for peer. The own key never touches the
// store, cached keys are served until they expire, and everything else goes
// through a single in-flight resolution per peer no matter how many callers
// are waiting on it.
func (e *Exchange) EPub(ctx context.Context, peer string) (string, error) {
	id := ids.Normalize(peer)
	if !ids.ValidPeer(id) {
		return "", fmt.Errorf("keys: invalid peer id %q", peer)
	}
	if ids.Equal(id, e.self.ID()) {
		return e.self.EPub, nil
	}
	if epub, ok := e.cached(id); ok {
		return epub, nil
	}

	// The shared resolution deliberately ignores the caller's context; other
	// waiters may still want the result after this caller gives up.
	ch := e.flight.DoChan(id, func() (interface{}, error) {
		return e.resolve(id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Peek returns the cached key for peer without resolving.
func (e *Exchange) Peek(peer string) (string, bool) {
	return e.cached(ids.Normalize(peer))
}

// Announce publishes the own encryption key to every lookup location so
// peers running any client version can find it. Failing some locations is
// tolerated as long as at least one write lands.
func (e *Exchange) Announce(ctx context.Context) error {
	id := e.self.ID()
	card, err := json.Marshal(map[string]string{"pub": id, "epub": e.self.EPub})
	if err != nil {
		return fmt.Errorf("keys: error marshaling announcement: %w", err)
	}
	bare, err := json.Marshal(e.self.EPub)
	if err != nil {
		return fmt.Errorf("keys: error marshaling announcement: %w", err)
	}

	var landed int
	var lastErr error
	for _, l := range store.KeyLookups(id) {
		value := card
		if l.Field == "" {
			value = bare
		}
		if err := e.store.Put(ctx, l.Path, l.ID, value); err != nil {
			e.log.Warnf("announce to %s/%s failed: %#v", l.Path, l.ID, err)
			lastErr = err
			continue
		}
		landed++
	}
	if landed == 0 {
		return fmt.Errorf("keys: error announcing key: %w", lastErr)
	}
	return nil
}

func (e *Exchange) cached(id string) (string, bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	ent, ok := e.cache[id]
	if !ok || ent.expires <= e.clock.CurrentTimeMs() {
		return "", false
	}
	return ent.epub, true
}

func (e *Exchange) resolve(id string) (string, error) {
	e.log.Debugf("resolving key for %s", id)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(e.config.KeyResolveBackoffMs) * time.Millisecond
	b.MaxElapsedTime = 0
	attempts := e.config.KeyResolveAttempts
	if attempts < 1 {
		attempts = 1
	}

	var epub string
	op := func() error {
		found := e.raceLookups(id)
		if found == "" {
			return ErrKeyNotFound
		}
		epub = found
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(b, uint64(attempts-1))); err != nil {
		e.log.Debugf("no key found for %s after %d attempts", id, attempts)
		return "", fmt.Errorf("keys: resolving %s: %w", id, err)
	}

	e.lock.Lock()
	e.cache[id] = entry{epub: epub, expires: e.clock.CurrentTimeMs() + uint64(e.config.KeyCacheTTLMs)}
	e.lock.Unlock()
	e.log.Debugf("resolved key for %s", id)
	return epub, nil
}

// raceLookups queries every location in parallel and returns the first
// usable key. Errors, timeouts, absent records and malformed values are all
// just misses.
func (e *Exchange) raceLookups(id string) string {
	lookups := store.KeyLookups(id)
	results := make(chan string, len(lookups))
	for _, l := range lookups {
		l := l
		go func() {
			results <- e.lookup(l)
		}()
	}
	for range lookups {
		if epub := <-results; epub != "" {
			return epub
		}
	}
	return ""
}

func (e *Exchange) lookup(l store.Lookup) string {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.config.LookupTimeoutMs)*time.Millisecond)
	defer cancel()
	value, err := e.store.Get(ctx, l.Path, l.ID)
	if err != nil || value == nil {
		return ""
	}
	epub := extractEPub(value, l.Field)
	if !crypto.ValidEPub(epub) {
		return ""
	}
	return epub
}

// extractEPub digs the key out of a record. Bare locations hold the key
// directly, either JSON-encoded or raw; field locations hold a JSON object.
func extractEPub(value []byte, field string) string {
	if field == "" {
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			return s
		}
		return string(value)
	}
	var record map[string]string
	if err := json.Unmarshal(value, &record); err != nil {
		return ""
	}
	return record[field]
}
