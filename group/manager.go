// Package group distributes one symmetric key per group over nothing but
// pairwise asymmetric channels. The creator wraps the key once per member;
// membership is proven by possessing a wrap. Shared-secret derivation is
// symmetric, so the creator can recover a lost wrap of their own from any
// member's wrap.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wisp-io/go-wisp/clock"
	"github.com/wisp-io/go-wisp/config"
	"github.com/wisp-io/go-wisp/crypto"
	"github.com/wisp-io/go-wisp/ids"
	"github.com/wisp-io/go-wisp/keys"
	"github.com/wisp-io/go-wisp/store"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// ErrMembershipDenied reports that a peer holds no wrap and appears nowhere
// in the members list.
var ErrMembershipDenied = errors.New("group: membership denied")

// IncompleteWrapError aborts group creation when any member's key could not
// be wrapped. Nothing is persisted in that case.
type IncompleteWrapError struct {
	Name   string
	Failed []string
}

func (e *IncompleteWrapError) Error() string {
	return fmt.Sprintf("group: creating %q: could not wrap key for %v", e.Name, e.Failed)
}

// Record is the group as stored. Keys maps member id to the group key
// wrapped under the creator-member pairwise secret. KeysSig is the creator's
// signature over the canonical serialization of Keys.
type Record struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Members   []string          `json:"members"`
	Admins    []string          `json:"admins,omitempty"`
	CreatedBy string            `json:"createdBy"`
	CreatedAt uint64            `json:"createdAt"`
	Keys      map[string]string `json:"keys"`
	KeysSig   string            `json:"keysSig,omitempty"`
}

// keyShare is a wrap published outside the group record, at
// groups/<id>/keys/<member>. By names the wrapper so the member knows whose
// epub to derive against.
type keyShare struct {
	Wrap string `json:"wrap"`
	By   string `json:"by"`
}

type Manager struct {
	log      *zap.SugaredLogger
	config   *config.Config
	clock    clock.Clock
	store    store.Store
	provider crypto.Provider
	self     *crypto.KeyPair
	exchange *keys.Exchange

	lock     sync.Mutex
	keyCache map[string][]byte
}

func NewManager(c *config.Config, cl clock.Clock, s store.Store, provider crypto.Provider, self *crypto.KeyPair, exchange *keys.Exchange) *Manager {
	return &Manager{
		log:      c.Logger("group"),
		config:   c,
		clock:    cl,
		store:    s,
		provider: provider,
		self:     self,
		exchange: exchange,
		keyCache: make(map[string][]byte),
	}
}

// Create makes a group with a fresh symmetric key wrapped for every member.
// Creation is all-or-nothing: every failed wrap is collected and reported,
// and a group is never persisted with partial key coverage.
func (m *Manager) Create(ctx context.Context, name string, members []string) (*Record, error) {
	key := crypto.RandomKey()
	record := &Record{
		ID:        ids.NewGroupID(),
		Name:      name,
		Members:   m.memberList(members),
		CreatedBy: m.self.ID(),
		CreatedAt: m.clock.CurrentTimeMs(),
		Keys:      make(map[string]string),
	}

	var failed []string
	for _, member := range record.Members {
		wrap, err := m.wrapFor(ctx, member, key)
		if err != nil {
			m.log.Debugf("wrapping key of %q for %s failed: %v", name, member, err)
			failed = append(failed, member)
			continue
		}
		record.Keys[member] = wrap
	}
	if len(failed) > 0 {
		return nil, &IncompleteWrapError{Name: name, Failed: failed}
	}

	sig, err := m.signKeys(record.Keys)
	if err != nil {
		return nil, err
	}
	record.KeysSig = sig

	value, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("group: error marshaling record: %w", err)
	}
	if err := m.store.Put(ctx, store.GroupRecordsPath(), record.ID, value); err != nil {
		return nil, fmt.Errorf("group: error persisting %q: %w", name, err)
	}

	m.lock.Lock()
	m.keyCache[record.ID] = key
	m.lock.Unlock()
	m.log.Debugf("created group %q with %d members", name, len(record.Members))
	return record, nil
}

// Load fetches a group record. A missing record maps to keys.ErrKeyNotFound
// because replication lag is indistinguishable from absence and the caller
// may fruitfully retry.
func (m *Manager) Load(ctx context.Context, groupID string) (*Record, error) {
	value, err := m.store.Get(ctx, store.GroupRecordsPath(), groupID)
	if err != nil {
		return nil, fmt.Errorf("group: error loading %s: %w", groupID, err)
	}
	if value == nil {
		return nil, fmt.Errorf("group: record %s: %w", groupID, keys.ErrKeyNotFound)
	}
	var record Record
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("group: error decoding record %s: %w", groupID, err)
	}
	m.VerifyWrapSignature(&record)
	return &record, nil
}

// VerifyWrapSignature checks KeysSig against the creator and the canonical
// wrap map. A mismatch is logged, not fatal; wrap possession stays the
// authoritative membership proof.
func (m *Manager) VerifyWrapSignature(record *Record) bool {
	if record.KeysSig == "" {
		return true
	}
	canonical, err := json.Marshal(record.Keys)
	if err != nil {
		m.log.Warnf("canonicalizing wrap map of %s: %#v", record.ID, err)
		return false
	}
	recovered, ok := m.provider.Verify(record.KeysSig, ids.Normalize(record.CreatedBy))
	if !ok || string(recovered) != string(canonical) {
		m.log.Warnf("wrap map signature mismatch on group %s", record.ID)
		return false
	}
	return true
}

// IsMember reports whether peer may participate. The creator always may;
// a wrap entry is cryptographic proof of granted access; the members list is
// a fallback for groups whose wraps haven't replicated yet.
func (m *Manager) IsMember(record *Record, peer string) bool {
	id := ids.Normalize(peer)
	if ids.Equal(record.CreatedBy, id) {
		return true
	}
	for member := range record.Keys {
		if ids.Equal(member, id) {
			return true
		}
	}
	for _, member := range record.Members {
		if ids.Equal(member, id) {
			return true
		}
	}
	return false
}

// ResolveKey recovers the group key for member, who is nearly always the
// local peer. Lookup order: exact wrap, normalized-id wrap, the published
// key share path, then creator self-healing.
func (m *Manager) ResolveKey(ctx context.Context, record *Record, member string) ([]byte, error) {
	id := ids.Normalize(member)

	m.lock.Lock()
	cached, ok := m.keyCache[record.ID]
	m.lock.Unlock()
	if ok && ids.Equal(id, m.self.ID()) {
		return cached, nil
	}

	if wrap, ok := record.Keys[member]; ok {
		return m.finishResolve(record, id, wrap, record.CreatedBy)
	}
	for wrapped, wrap := range record.Keys {
		if ids.Equal(wrapped, id) {
			return m.finishResolve(record, id, wrap, record.CreatedBy)
		}
	}
	if share := m.loadShare(ctx, record.ID, id); share != nil {
		return m.finishResolve(record, id, share.Wrap, share.By)
	}
	if ids.Equal(id, m.self.ID()) && ids.Equal(record.CreatedBy, m.self.ID()) {
		return m.selfHeal(ctx, record)
	}

	if !m.IsMember(record, id) {
		return nil, fmt.Errorf("group: no wrap for %s in %s: %w", id, record.ID, ErrMembershipDenied)
	}
	// listed but not yet wrapped here; the wrap may still replicate
	return nil, fmt.Errorf("group: no wrap for %s in %s: %w", id, record.ID, keys.ErrKeyNotFound)
}

// finishResolve unwraps wrap for id. The secret that sealed the wrap was
// derived between the wrapper and the member, so unwrapping needs the
// wrapper's epub when we are the member, and the member's epub when we are
// the wrapper.
func (m *Manager) finishResolve(record *Record, id, wrap, wrappedBy string) ([]byte, error) {
	other := ids.Normalize(wrappedBy)
	switch {
	case ids.Equal(id, m.self.ID()):
		// we are the member; the wrapper's epub reproduces the secret
	case ids.Equal(other, m.self.ID()):
		// we are the wrapper; the member's epub reproduces the secret
		other = id
	default:
		return nil, fmt.Errorf("group: wrap of %s in %s not addressed to us: %w", id, record.ID, ErrMembershipDenied)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.config.WrapTimeoutMs)*time.Millisecond)
	defer cancel()
	epub, err := m.exchange.EPub(ctx, other)
	if err != nil {
		return nil, fmt.Errorf("group: resolving epub of %s: %w", other, err)
	}
	secret, err := m.provider.DeriveSharedSecret(epub, m.self)
	if err != nil {
		return nil, fmt.Errorf("group: deriving secret with %s: %w", other, err)
	}
	sealed, err := m.provider.Decrypt(wrap, secret)
	if err != nil {
		return nil, fmt.Errorf("group: unwrapping key of %s: %w", record.ID, err)
	}
	if ids.Equal(id, m.self.ID()) {
		m.lock.Lock()
		m.keyCache[record.ID] = sealed
		m.lock.Unlock()
	}
	return sealed, nil
}

// selfHeal recovers the creator's lost wrap from any member's wrap and
// persists a fresh self-wrap to the key share path so the repair sticks.
func (m *Manager) selfHeal(ctx context.Context, record *Record) ([]byte, error) {
	m.log.Debugf("healing missing creator wrap for group %s", record.ID)
	for member, wrap := range record.Keys {
		if ids.Equal(member, m.self.ID()) {
			continue
		}
		key, err := m.finishResolve(record, member, wrap, m.self.ID())
		if err != nil {
			m.log.Debugf("healing via %s failed: %v", member, err)
			continue
		}

		m.lock.Lock()
		m.keyCache[record.ID] = key
		m.lock.Unlock()

		selfWrap, err := m.wrapFor(ctx, m.self.ID(), key)
		if err != nil {
			m.log.Warnf("re-wrapping healed key for self: %#v", err)
			return key, nil
		}
		if err := m.publishShare(ctx, record.ID, m.self.ID(), selfWrap); err != nil {
			m.log.Warnf("persisting healed wrap: %#v", err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("group: healing %s: %w", record.ID, keys.ErrKeyNotFound)
}

func (m *Manager) wrapFor(ctx context.Context, member string, key []byte) (string, error) {
	wrapCtx, cancel := context.WithTimeout(ctx, time.Duration(m.config.WrapTimeoutMs)*time.Millisecond)
	defer cancel()
	epub, err := m.exchange.EPub(wrapCtx, member)
	if err != nil {
		return "", err
	}
	secret, err := m.provider.DeriveSharedSecret(epub, m.self)
	if err != nil {
		return "", err
	}
	return m.provider.Encrypt(key, secret)
}

func (m *Manager) signKeys(wraps map[string]string) (string, error) {
	canonical, err := json.Marshal(wraps)
	if err != nil {
		return "", fmt.Errorf("group: error canonicalizing wrap map: %w", err)
	}
	sig, err := m.provider.Sign(canonical, m.self)
	if err != nil {
		return "", fmt.Errorf("group: error signing wrap map: %w", err)
	}
	return sig, nil
}

func (m *Manager) loadShare(ctx context.Context, groupID, member string) *keyShare {
	value, err := m.store.Get(ctx, store.GroupKeysPath(groupID), member)
	if err != nil || value == nil {
		return nil
	}
	var share keyShare
	if err := json.Unmarshal(value, &share); err != nil {
		m.log.Warnf("malformed key share for %s in %s: %#v", member, groupID, err)
		return nil
	}
	if share.Wrap == "" || share.By == "" {
		return nil
	}
	return &share
}

func (m *Manager) publishShare(ctx context.Context, groupID, member, wrap string) error {
	value, err := json.Marshal(&keyShare{Wrap: wrap, By: m.self.ID()})
	if err != nil {
		return fmt.Errorf("group: error marshaling key share: %w", err)
	}
	return m.store.Put(ctx, store.GroupKeysPath(groupID), member, value)
}

// memberList normalizes, dedupes and sorts, so the same membership always
// produces the same record. The creator leads the list.
func (m *Manager) memberList(members []string) []string {
	tail := make([]string, 0, len(members))
	seen := map[string]bool{m.self.ID(): true}
	for _, member := range members {
		id := ids.Normalize(member)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		tail = append(tail, id)
	}
	slices.Sort(tail)
	return append([]string{m.self.ID()}, tail...)
}
