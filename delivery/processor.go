// Package delivery turns raw store updates into decrypted, deduplicated
// messages. One consuming goroutine per scope walks every update through the
// same pipeline: decode, dedup, replay filtering, decryption and dispatch.
// Updates that fail because key material has not replicated yet surface as
// pending placeholders and are retried on a timer; everything else is
// dropped where it fails.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wisp-io/go-wisp/cache"
	"github.com/wisp-io/go-wisp/clock"
	"github.com/wisp-io/go-wisp/codec"
	"github.com/wisp-io/go-wisp/config"
	"github.com/wisp-io/go-wisp/crypto"
	"github.com/wisp-io/go-wisp/group"
	"github.com/wisp-io/go-wisp/ids"
	"github.com/wisp-io/go-wisp/keys"
	"github.com/wisp-io/go-wisp/store"
	"go.uber.org/zap"
)

// ClearedSet answers whether a private conversation has been cleared.
// Cleared conversations suppress inbound dispatch but never touch what the
// local user sends.
type ClearedSet interface {
	IsCleared(conversationKey string) bool
}

type scopeState struct {
	scope    Scope
	subs     []store.Subscription
	registry *Registry
}

type Processor struct {
	log      *zap.SugaredLogger
	config   *config.Config
	clock    clock.Clock
	store    store.Store
	provider crypto.Provider
	self     *crypto.KeyPair
	codec    *codec.Codec
	exchange *keys.Exchange
	groups   *group.Manager
	cache    *cache.Cache
	cleared  ClearedSet

	ctx        context.Context
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup

	lock      sync.Mutex
	scopes    map[string]*scopeState
	callbacks []func(*cache.Message)
}

func NewProcessor(c *config.Config, cl clock.Clock, s store.Store, provider crypto.Provider, self *crypto.KeyPair, cdc *codec.Codec, exchange *keys.Exchange, groups *group.Manager, messageCache *cache.Cache, cleared ClearedSet) *Processor {
	return &Processor{
		log:      c.Logger("delivery"),
		config:   c,
		clock:    cl,
		store:    s,
		provider: provider,
		self:     self,
		codec:    cdc,
		exchange: exchange,
		groups:   groups,
		cache:    messageCache,
		cleared:  cleared,
		scopes:   make(map[string]*scopeState),
	}
}

func (p *Processor) Start() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.ctx != nil {
		return nil
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	p.ctx = ctx
	p.cancelFunc = cancelFunc
	return nil
}

// Shutdown stops every scope and cancels in-flight retries, then waits for
// all goroutines to drain.
func (p *Processor) Shutdown() error {
	p.lock.Lock()
	if p.ctx == nil {
		p.lock.Unlock()
		return nil
	}
	p.lock.Unlock()
	p.StopAll()
	p.cancelFunc()
	p.finished.Wait()
	return nil
}

// OnMessage registers a callback invoked for every dispatched message. A
// panicking callback is logged and never takes the pipeline down.
func (p *Processor) OnMessage(cb func(*cache.Message)) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// Listen subscribes a scope and starts its consumer. Listening to an
// already-listened scope is a no-op, so callers never stack duplicate
// subscriptions on one conversation.
func (p *Processor) Listen(scope Scope) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.ctx == nil {
		return errors.New("delivery: processor not started")
	}
	key := scope.mapKey()
	if _, ok := p.scopes[key]; ok {
		return nil
	}
	st := &scopeState{
		scope:    scope,
		registry: NewRegistry(uint64(p.config.ProcessedTTLMs), p.config.ProcessedCap),
	}
	for _, path := range scope.Paths {
		sub, err := p.store.Subscribe(path)
		if err != nil {
			for _, opened := range st.subs {
				opened.Close()
			}
			return fmt.Errorf("delivery: subscribing to %s: %w", path, err)
		}
		st.subs = append(st.subs, sub)
	}
	p.scopes[key] = st
	p.finished.Add(1)
	go p.consume(st)
	return nil
}

// Stop releases a scope's subscriptions and drops its dedup state. Retries
// already scheduled keep running; stopping only silences future updates.
func (p *Processor) Stop(scope Scope) {
	p.lock.Lock()
	st, ok := p.scopes[scope.mapKey()]
	if ok {
		delete(p.scopes, scope.mapKey())
	}
	p.lock.Unlock()
	if !ok {
		return
	}
	for _, sub := range st.subs {
		sub.Close()
	}
}

func (p *Processor) StopAll() {
	p.lock.Lock()
	states := make([]*scopeState, 0, len(p.scopes))
	for key, st := range p.scopes {
		states = append(states, st)
		delete(p.scopes, key)
	}
	p.lock.Unlock()
	for _, st := range states {
		for _, sub := range st.subs {
			sub.Close()
		}
	}
}

// Listening reports whether a scope currently has a live subscription.
func (p *Processor) Listening(scope Scope) bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	_, ok := p.scopes[scope.mapKey()]
	return ok
}

// consume fans every path of a scope into one goroutine so updates within
// a scope are handled one at a time, in arrival order per path.
func (p *Processor) consume(st *scopeState) {
	defer p.finished.Done()
	merged := make(chan store.Update)
	var pumps sync.WaitGroup
	for _, sub := range st.subs {
		pumps.Add(1)
		p.finished.Add(1)
		go func(updates <-chan store.Update) {
			defer p.finished.Done()
			defer pumps.Done()
			for u := range updates {
				select {
				case merged <- u:
				case <-p.ctx.Done():
					return
				}
			}
		}(sub.Updates())
	}
	go func() {
		pumps.Wait()
		close(merged)
	}()
	for {
		select {
		case <-p.ctx.Done():
			return
		case u, ok := <-merged:
			if !ok {
				return
			}
			p.process(st, u)
		}
	}
}

func (p *Processor) process(st *scopeState, u store.Update) {
	if len(u.Value) == 0 {
		p.log.Debugf("ignoring tombstone at %s/%s", u.Path, u.ID)
		return
	}
	env, err := codec.DecodeEnvelope(u.Value)
	if err != nil {
		p.log.Warnf("ignoring undecodable record at %s/%s: %#v", u.Path, u.ID, string(u.Value))
		return
	}
	now := p.clock.CurrentTimeMs()
	if st.registry.Seen(env.ID, now) {
		return
	}
	if p.replayed(env, now) {
		p.log.Debugf("ignoring replayed message %s", env.ID)
		return
	}
	st.registry.Mark(env.ID, now)

	if ids.Equal(env.From, p.self.ID()) {
		cached, err := p.cache.Message(env.ID)
		if err != nil {
			p.log.Warnf("cache lookup for %s: %s", env.ID, err)
		} else if cached != nil {
			p.dispatch(cached)
			return
		}
		// a send from another of our devices, decrypt like any other
	}

	msg, err := p.open(st.scope, env)
	if err == nil {
		p.deliver(st.scope, msg)
		return
	}
	if p.ctx.Err() != nil {
		return
	}
	if errors.Is(err, codec.ErrSignatureInvalid) {
		st.registry.Forget(env.ID)
		p.log.Warnf("dropping message %s with invalid signature: %s", env.ID, err)
		return
	}
	if retryable(err) {
		p.scheduleRetry(st.scope, st.registry, env)
		return
	}
	p.log.Warnf("dropping undecryptable message %s: %s", env.ID, err)
}

// replayed reports whether a message is older than the recency window. A
// missing timestamp fails open and the dedup registry carries it instead.
func (p *Processor) replayed(env *codec.Envelope, now uint64) bool {
	if env.TS == 0 {
		return false
	}
	window := uint64(p.config.RecencyWindowMs)
	return now > env.TS && now-env.TS > window
}

func (p *Processor) open(scope Scope, env *codec.Envelope) (*cache.Message, error) {
	ctx, cancel := context.WithTimeout(p.ctx, time.Duration(p.config.RequestTimeoutMs)*time.Millisecond)
	defer cancel()
	var pt *codec.Plaintext
	switch scope.Kind {
	case cache.KindPrivate:
		secret, err := p.pairwiseSecret(ctx, scope.Peer)
		if err != nil {
			return nil, err
		}
		pt, err = p.codec.OpenPrivate(env, secret)
		if err != nil {
			return nil, err
		}
	case cache.KindGroup:
		key, err := p.groupKey(ctx, scope.GroupID)
		if err != nil {
			return nil, err
		}
		pt, err = p.codec.OpenShared(env, key)
		if err != nil {
			return nil, err
		}
	default:
		var err error
		pt, err = p.codec.OpenShared(env, scope.roomKey)
		if err != nil {
			return nil, err
		}
	}
	return p.toMessage(scope, pt), nil
}

func (p *Processor) pairwiseSecret(ctx context.Context, peer string) ([]byte, error) {
	epub, err := p.exchange.EPub(ctx, peer)
	if err != nil {
		return nil, err
	}
	return p.provider.DeriveSharedSecret(epub, p.self)
}

func (p *Processor) groupKey(ctx context.Context, groupID string) ([]byte, error) {
	record, err := p.groups.Load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return p.groups.ResolveKey(ctx, record, p.self.ID())
}

// deliver runs the tail of the pipeline: the cleared check, the cache
// write-through and dispatch. The cleared check only suppresses inbound
// private traffic.
func (p *Processor) deliver(scope Scope, msg *cache.Message) {
	if p.suppressed(scope, msg.From) {
		p.log.Debugf("suppressing message %s for cleared conversation %s", msg.ID, scope.Key)
		return
	}
	if err := p.cache.SaveMessage(msg); err != nil {
		p.log.Warnf("caching message %s: %s", msg.ID, err)
	}
	p.dispatch(msg)
}

func (p *Processor) suppressed(scope Scope, from string) bool {
	if scope.Kind != cache.KindPrivate {
		return false
	}
	if ids.Equal(from, p.self.ID()) {
		return false
	}
	return p.cleared.IsCleared(scope.Key)
}

// scheduleRetry dispatches a pending placeholder immediately and retries the
// envelope on a linear timer. Retries hold their own references to the scope
// and registry, so stopping the scope does not cancel them; only Shutdown
// does.
func (p *Processor) scheduleRetry(scope Scope, registry *Registry, env *codec.Envelope) {
	if p.suppressed(scope, env.From) {
		p.log.Debugf("suppressing placeholder %s for cleared conversation %s", env.ID, scope.Key)
		return
	}
	placeholder := &cache.Message{
		ID:          env.ID,
		ScopeKey:    scope.Key,
		Kind:        scope.Kind,
		Counterpart: scope.counterpart(),
		From:        env.From,
		TS:          env.TS,
		Pending:     true,
	}
	if err := p.cache.SaveMessage(placeholder); err != nil {
		p.log.Warnf("caching placeholder %s: %s", env.ID, err)
	}
	p.dispatch(placeholder)
	p.finished.Add(1)
	go p.retry(scope, registry, env)
}

func (p *Processor) retry(scope Scope, registry *Registry, env *codec.Envelope) {
	defer p.finished.Done()
	delay := time.Duration(p.config.RetryDelayMs) * time.Millisecond
	for attempt := 1; attempt <= p.config.RetryAttempts; attempt++ {
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}
		msg, err := p.open(scope, env)
		if err == nil {
			msg.Pending = false
			p.deliver(scope, msg)
			return
		}
		if p.ctx.Err() != nil {
			return
		}
		if errors.Is(err, codec.ErrSignatureInvalid) {
			registry.Forget(env.ID)
			p.log.Warnf("dropping message %s with invalid signature: %s", env.ID, err)
			return
		}
		if !retryable(err) {
			p.log.Warnf("dropping undecryptable message %s: %s", env.ID, err)
			return
		}
		p.log.Debugf("retrying message %s after attempt %d: %s", env.ID, attempt, err)
	}
	p.log.Warnf("giving up on message %s after %d attempts", env.ID, p.config.RetryAttempts)
}

func (p *Processor) toMessage(scope Scope, pt *codec.Plaintext) *cache.Message {
	return &cache.Message{
		ID:          pt.ID,
		ScopeKey:    scope.Key,
		Kind:        scope.Kind,
		Counterpart: scope.counterpart(),
		From:        pt.From,
		Content:     pt.Content,
		TS:          pt.TS,
	}
}

func (p *Processor) dispatch(msg *cache.Message) {
	p.lock.Lock()
	callbacks := make([]func(*cache.Message), len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.lock.Unlock()
	for _, cb := range callbacks {
		p.invoke(cb, msg)
	}
}

func (p *Processor) invoke(cb func(*cache.Message), msg *cache.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("message listener panicked: %#v", r)
		}
	}()
	cb(msg)
}

// retryable reports whether an open failure can heal on its own. Key
// material that has not replicated yet and resolution timeouts both can;
// bad ciphertext never does.
func retryable(err error) bool {
	return errors.Is(err, keys.ErrKeyNotFound) || errors.Is(err, context.DeadlineExceeded)
}
