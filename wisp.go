// Package wisp is an end-to-end encrypted messaging layer over a replicated
// key-value store. The store moves ciphertext between peers and nothing
// else: identity keys are announced under well-known paths, pairwise and
// group keys are derived or wrapped client-side, and every plaintext this
// device has ever seen lives only in its encrypted local cache.
package wisp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/wisp-io/go-wisp/cache"
	"github.com/wisp-io/go-wisp/clock"
	"github.com/wisp-io/go-wisp/codec"
	"github.com/wisp-io/go-wisp/config"
	"github.com/wisp-io/go-wisp/conversation"
	"github.com/wisp-io/go-wisp/crypto"
	"github.com/wisp-io/go-wisp/delivery"
	"github.com/wisp-io/go-wisp/group"
	"github.com/wisp-io/go-wisp/ids"
	"github.com/wisp-io/go-wisp/internal/db"
	"github.com/wisp-io/go-wisp/keys"
	"github.com/wisp-io/go-wisp/store"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosing
	StateClosed
)

// An event carrying a dispatched message.
type MessageUpdate struct {
	Message *cache.Message
}

// An event indicating a group or room this device created or joined.
type GroupUpdate struct {
	ID   string
	Name string
}

// An event indicating a change in the state of Wisp.
type StateUpdate struct {
	State int
}

type Wisp struct {
	DB *db.Database

	config    *config.Config
	log       *zap.SugaredLogger
	state     int
	clock     clock.Clock
	store     store.Store
	provider  crypto.Provider
	pair      *crypto.KeyPair
	cache     *cache.Cache
	exchange  *keys.Exchange
	groups    *group.Manager
	codec     *codec.Codec
	lifecycle *conversation.Lifecycle
	processor *delivery.Processor
	updates   chan interface{}
}

// Create a wisp instance over the given store.
func NewWisp(c *config.Config, s store.Store) (*Wisp, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making wisp, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Wisp{
		DB:       database,
		config:   c,
		log:      log,
		state:    state,
		clock:    clock.NewSystemClock(),
		store:    s,
		provider: crypto.NewProvider(),
		updates:  make(chan interface{}, 100),
	}, nil
}

// Makes a key from a password.
func (w *Wisp) NewKey(password string) ([]byte, error) {
	return newKey(password, w.config.RootDir, "salt")
}

// Gets lifecycle updates. This will produce *MessageUpdate, *GroupUpdate and
// *StateUpdate values.
func (w *Wisp) Updates() chan interface{} {
	return w.updates
}

// Returns true if wisp is in NEW state.
func (w *Wisp) New() bool {
	return w.state == StateNew
}

// Returns true if wisp is in INITIALIZED state.
func (w *Wisp) Initialized() bool {
	return w.state == StateInitialized
}

// Returns true if wisp is in RUNNING state.
func (w *Wisp) Running() bool {
	return w.state == StateRunning
}

// ID is this device's peer id, shared out of band so others can message it.
func (w *Wisp) ID() string {
	if w.pair == nil {
		return ""
	}
	return w.pair.ID()
}

// Initialize wisp with a given key.
func (w *Wisp) Initialize(key []byte) error {
	if err := w.initialize(key); err != nil {
		return err
	}
	return w.open(key)
}

func (w *Wisp) initialize(key []byte) error {
	if w.state != StateNew {
		return errors.New("cannot initialize unless in state new")
	}
	if err := w.DB.Initialize(key); err != nil {
		return err
	}
	w.setState(StateInitialized)
	return nil
}

// Open an existing wisp with a given key.
func (w *Wisp) Open(key []byte) error {
	return w.open(key)
}

func (w *Wisp) open(key []byte) error {
	if w.state != StateInitialized {
		return errors.New("cannot open unless in state initialized")
	}

	if err := w.DB.Open(key); err != nil {
		return err
	}
	if err := w.startSubsystems(); err != nil {
		return w.abortOpen(err)
	}
	w.setState(StateRunning)
	return nil
}

// startSubsystems wires everything above the database. A failure leaves
// partially-started pieces behind for abortOpen to unwind.
func (w *Wisp) startSubsystems() error {
	messageCache, err := cache.NewCache(w.config, w.DB, w.clock)
	if err != nil {
		return err
	}
	w.cache = messageCache

	pair, err := w.loadIdentity()
	if err != nil {
		return err
	}
	w.pair = pair
	w.codec = codec.NewCodec(w.provider, pair)
	w.exchange = keys.NewExchange(w.config, w.clock, w.store, pair)
	w.groups = group.NewManager(w.config, w.clock, w.store, w.provider, pair, w.exchange)
	lifecycle, err := conversation.NewLifecycle(w.config, w.store, messageCache, pair.ID())
	if err != nil {
		return err
	}
	w.lifecycle = lifecycle
	w.processor = delivery.NewProcessor(w.config, w.clock, w.store, w.provider, pair, w.codec, w.exchange, w.groups, messageCache, lifecycle)
	if err := w.processor.Start(); err != nil {
		return err
	}
	w.processor.OnMessage(func(m *cache.Message) {
		w.updates <- &MessageUpdate{Message: m}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(w.config.RequestTimeoutMs)*time.Millisecond)
	defer cancel()
	if err := w.exchange.Announce(ctx); err != nil {
		return fmt.Errorf("wisp: error announcing keys: %w", err)
	}
	return nil
}

// abortOpen unwinds a failed open so the same instance can be opened again:
// the processor is stopped and the database closed, which puts it back in
// the state Open expects.
func (w *Wisp) abortOpen(err error) error {
	w.log.Warnf("aborting open: %s", err)
	if w.processor != nil {
		if perr := w.processor.Shutdown(); perr != nil {
			w.log.Warnf("stopping processor during aborted open: %s", perr)
		}
		w.processor = nil
	}
	if derr := w.DB.Shutdown(); derr != nil {
		w.log.Warnf("closing database during aborted open: %s", derr)
	}
	w.cache = nil
	w.pair = nil
	w.codec = nil
	w.exchange = nil
	w.groups = nil
	w.lifecycle = nil
	return err
}

// loadIdentity returns the stored key pair, generating and persisting one on
// first open.
func (w *Wisp) loadIdentity() (*crypto.KeyPair, error) {
	serialized, err := w.cache.Identity()
	if err != nil {
		return nil, err
	}
	if serialized != nil {
		var pair crypto.KeyPair
		if err := json.Unmarshal(serialized, &pair); err != nil {
			return nil, fmt.Errorf("wisp: error deserializing identity: %w", err)
		}
		return &pair, nil
	}
	pair, err := crypto.NewKeyPair()
	if err != nil {
		return nil, err
	}
	serialized, err = json.Marshal(pair)
	if err != nil {
		return nil, fmt.Errorf("wisp: error serializing identity: %w", err)
	}
	if err := w.cache.SaveIdentity(serialized); err != nil {
		return nil, err
	}
	w.log.Debugf("generated new identity %s", pair.ID())
	return pair, nil
}

// OnMessage registers a callback for every delivered message.
func (w *Wisp) OnMessage(cb func(*cache.Message)) error {
	if w.state != StateRunning {
		return errors.New("cannot register listeners unless running")
	}
	w.processor.OnMessage(cb)
	return nil
}

// ListenToPeer subscribes both directions of a private conversation.
func (w *Wisp) ListenToPeer(peerID string) error {
	if w.state != StateRunning {
		return errors.New("cannot listen unless running")
	}
	if !ids.ValidPeer(peerID) {
		return fmt.Errorf("wisp: invalid peer id %#v", peerID)
	}
	return w.processor.Listen(delivery.PrivateScope(w.pair.ID(), peerID))
}

func (w *Wisp) ListenToGroup(groupID string) error {
	if w.state != StateRunning {
		return errors.New("cannot listen unless running")
	}
	return w.processor.Listen(delivery.GroupScope(groupID))
}

// ListenToRoom joins a token room. The token never leaves this device; only
// the key derived from it is held for the subscription.
func (w *Wisp) ListenToRoom(roomID, token string) error {
	if w.state != StateRunning {
		return errors.New("cannot listen unless running")
	}
	return w.processor.Listen(delivery.RoomScope(roomID, token))
}

// StartListening resubscribes every conversation present in the local cache.
// Rooms are skipped; their tokens are never stored, so each room needs an
// explicit ListenToRoom after opening.
func (w *Wisp) StartListening() error {
	if w.state != StateRunning {
		return errors.New("cannot listen unless running")
	}
	scopes, err := w.cache.Scopes()
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		switch scope.Kind {
		case cache.KindPrivate:
			if err := w.ListenToPeer(scope.Counterpart); err != nil {
				return err
			}
		case cache.KindGroup:
			if err := w.ListenToGroup(scope.Counterpart); err != nil {
				return err
			}
		default:
			w.log.Debugf("room %s requires an explicit listen with its token", scope.ScopeKey)
		}
	}
	return nil
}

// StopListening releases every subscription. In-flight retries finish on
// their own.
func (w *Wisp) StopListening() error {
	if w.state != StateRunning {
		return errors.New("cannot stop listening unless running")
	}
	w.processor.StopAll()
	return nil
}

// SendMessage seals content for a peer and writes it to both directional
// paths of the pair. The plaintext is cached before the put, so this
// device's own echo is served locally without a decrypt.
func (w *Wisp) SendMessage(ctx context.Context, recipientID, content string) (string, error) {
	if w.state != StateRunning {
		return "", errors.New("cannot send unless running")
	}
	if !ids.ValidPeer(recipientID) {
		return "", fmt.Errorf("wisp: invalid peer id %#v", recipientID)
	}
	epub, err := w.exchange.EPub(ctx, recipientID)
	if err != nil {
		return "", err
	}
	secret, err := w.provider.DeriveSharedSecret(epub, w.pair)
	if err != nil {
		return "", err
	}
	p := &codec.Plaintext{
		ID:      ids.NewMessageID(),
		From:    w.pair.ID(),
		Content: content,
		TS:      w.clock.CurrentTimeMs(),
	}
	value, err := w.codec.SealPrivate(p, secret)
	if err != nil {
		return "", err
	}
	self := ids.Normalize(w.pair.ID())
	peer := ids.Normalize(recipientID)
	if err := w.cache.SaveMessage(&cache.Message{
		ID:          p.ID,
		ScopeKey:    store.ConversationKey(self, peer),
		Kind:        cache.KindPrivate,
		Counterpart: peer,
		From:        w.pair.ID(),
		Content:     content,
		TS:          p.TS,
	}); err != nil {
		return "", err
	}
	if err := w.ListenToPeer(recipientID); err != nil {
		return "", err
	}
	return p.ID, w.mirroredPut(ctx, self, peer, p.ID, value)
}

// mirroredPut writes the same record under both directional paths so each
// party owns a copy it can null later. The send stands as long as one side
// lands.
func (w *Wisp) mirroredPut(ctx context.Context, self, peer, id string, value []byte) error {
	var failures []error
	for _, p := range []string{store.MessagesPath(self, peer), store.MessagesPath(peer, self)} {
		if err := w.store.Put(ctx, p, id, value); err != nil {
			w.log.Warnf("writing %s/%s: %s", p, id, err)
			failures = append(failures, err)
		}
	}
	if len(failures) == 2 {
		return fmt.Errorf("wisp: error sending %s: %w", id, failures[0])
	}
	return nil
}

// CreateGroup mints a group key, wraps it for every member and publishes the
// record. Creation is all-or-nothing; a member whose key cannot be resolved
// fails the whole group.
func (w *Wisp) CreateGroup(ctx context.Context, name string, memberIDs []string) (*group.Record, error) {
	if w.state != StateRunning {
		return nil, errors.New("cannot create a group unless running")
	}
	record, err := w.groups.Create(ctx, name, memberIDs)
	if err != nil {
		return nil, err
	}
	if err := w.ListenToGroup(record.ID); err != nil {
		return nil, err
	}
	w.updates <- &GroupUpdate{ID: record.ID, Name: record.Name}
	return record, nil
}

func (w *Wisp) SendGroupMessage(ctx context.Context, groupID, content string) (string, error) {
	if w.state != StateRunning {
		return "", errors.New("cannot send unless running")
	}
	record, err := w.groups.Load(ctx, groupID)
	if err != nil {
		return "", err
	}
	key, err := w.groups.ResolveKey(ctx, record, w.pair.ID())
	if err != nil {
		return "", err
	}
	p := &codec.Plaintext{
		ID:      ids.NewMessageID(),
		From:    w.pair.ID(),
		Content: content,
		TS:      w.clock.CurrentTimeMs(),
	}
	value, err := w.codec.SealShared(p, key)
	if err != nil {
		return "", err
	}
	if err := w.cache.SaveMessage(&cache.Message{
		ID:          p.ID,
		ScopeKey:    groupID,
		Kind:        cache.KindGroup,
		Counterpart: groupID,
		From:        w.pair.ID(),
		Content:     content,
		TS:          p.TS,
	}); err != nil {
		return "", err
	}
	if err := w.ListenToGroup(groupID); err != nil {
		return "", err
	}
	if err := w.store.Put(ctx, store.GroupMessagesPath(groupID), p.ID, value); err != nil {
		return "", fmt.Errorf("wisp: error sending %s: %w", p.ID, err)
	}
	return p.ID, nil
}

// CreateTokenRoom publishes a room record carrying a random join token.
// Anyone holding the token derives the room key from it; the server only
// ever sees ciphertext.
func (w *Wisp) CreateTokenRoom(ctx context.Context, name string) (*group.RoomRecord, error) {
	if w.state != StateRunning {
		return nil, errors.New("cannot create a room unless running")
	}
	record, err := w.groups.CreateRoom(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := w.ListenToRoom(record.ID, record.Token); err != nil {
		return nil, err
	}
	w.updates <- &GroupUpdate{ID: record.ID, Name: record.Name}
	return record, nil
}

func (w *Wisp) SendTokenRoomMessage(ctx context.Context, roomID, content, token string) (string, error) {
	if w.state != StateRunning {
		return "", errors.New("cannot send unless running")
	}
	key := group.RoomKey(token)
	p := &codec.Plaintext{
		ID:      ids.NewMessageID(),
		From:    w.pair.ID(),
		Content: content,
		TS:      w.clock.CurrentTimeMs(),
	}
	value, err := w.codec.SealShared(p, key)
	if err != nil {
		return "", err
	}
	if err := w.cache.SaveMessage(&cache.Message{
		ID:          p.ID,
		ScopeKey:    roomID,
		Kind:        cache.KindRoom,
		Counterpart: roomID,
		From:        w.pair.ID(),
		Content:     content,
		TS:          p.TS,
	}); err != nil {
		return "", err
	}
	if err := w.ListenToRoom(roomID, token); err != nil {
		return "", err
	}
	if err := w.store.Put(ctx, store.RoomMessagesPath(roomID), p.ID, value); err != nil {
		return "", fmt.Errorf("wisp: error sending %s: %w", p.ID, err)
	}
	return p.ID, nil
}

// ClearConversation suppresses a pair, nulls its store records and purges
// local history.
func (w *Wisp) ClearConversation(ctx context.Context, peerID string) error {
	if w.state != StateRunning {
		return errors.New("cannot clear unless running")
	}
	return w.lifecycle.Clear(ctx, peerID)
}

// NullifyConversation wipes a pair's records and history without suppressing
// future messages.
func (w *Wisp) NullifyConversation(ctx context.Context, peerID string) error {
	if w.state != StateRunning {
		return errors.New("cannot nullify unless running")
	}
	return w.lifecycle.Nullify(ctx, peerID)
}

// ResetConversation unclears a pair so new messages flow again.
func (w *Wisp) ResetConversation(peerID string) error {
	if w.state != StateRunning {
		return errors.New("cannot reset unless running")
	}
	return w.lifecycle.Reset(peerID)
}

// Messages lists the locally cached history for a peer, oldest first.
func (w *Wisp) Messages(peerID string) ([]*cache.Message, error) {
	if w.state != StateRunning {
		return nil, errors.New("cannot list messages unless running")
	}
	return w.cache.MessagesForScope(store.ConversationKey(ids.Normalize(w.pair.ID()), ids.Normalize(peerID)))
}

// Gracefully stop an existing wisp instance.
func (w *Wisp) Shutdown() error {
	if w.state != StateRunning {
		return nil
	}
	w.setState(StateClosing)

	errs := make([]string, 0)
	if err := w.processor.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := w.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}
	w.setState(StateClosed)
	return nil
}

func (w *Wisp) setState(state int) {
	w.state = state
	w.updates <- &StateUpdate{state}
}
