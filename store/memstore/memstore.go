// Package memstore is an in-process Store used by tests and local runs. It
// keeps the contract of the real thing where it matters: replay on
// subscribe is unordered, delivery can repeat when asked to, and puts can
// be made to fail.
package memstore

import (
	"context"
	"sync"

	"github.com/wisp-io/go-wisp/store"
)

type Store struct {
	lock         sync.Mutex
	records      map[string]map[string][]byte
	subs         map[string][]*subscription
	failing      int
	failErr      error
	deliverTwice bool
}

func New() *Store {
	return &Store{
		records: make(map[string]map[string][]byte),
		subs:    make(map[string][]*subscription),
	}
}

// FailPuts makes the next n puts fail with err without applying. A nil err
// fails with store.ErrWriteFailed.
func (s *Store) FailPuts(n int, err error) {
	if err == nil {
		err = store.ErrWriteFailed
	}
	s.lock.Lock()
	s.failing = n
	s.failErr = err
	s.lock.Unlock()
}

// DeliverTwice makes every subsequent update reach subscribers twice, the
// way redelivery from a flapping replica would.
func (s *Store) DeliverTwice(on bool) {
	s.lock.Lock()
	s.deliverTwice = on
	s.lock.Unlock()
}

func (s *Store) Put(ctx context.Context, path, id string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.lock.Lock()
	if s.failing > 0 {
		s.failing--
		err := s.failErr
		s.lock.Unlock()
		return err
	}
	recs, ok := s.records[path]
	if !ok {
		recs = make(map[string][]byte)
		s.records[path] = recs
	}
	recs[id] = value
	update := store.Update{Path: path, ID: id, Value: value}
	times := 1
	if s.deliverTwice {
		times = 2
	}
	for _, sub := range s.subs[path] {
		for i := 0; i < times; i++ {
			sub.enqueue(update)
		}
	}
	s.lock.Unlock()
	return nil
}

// Get returns a copy; mutating a read must never reach the stored record.
func (s *Store) Get(ctx context.Context, path, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return copyValue(s.records[path][id]), nil
}

func (s *Store) Map(ctx context.Context, path string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make(map[string][]byte)
	for id, value := range s.records[path] {
		if value != nil {
			out[id] = copyValue(value)
		}
	}
	return out, nil
}

func copyValue(value []byte) []byte {
	if value == nil {
		return nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}

func (s *Store) Subscribe(path string) (store.Subscription, error) {
	sub := newSubscription(s, path)
	s.lock.Lock()
	s.subs[path] = append(s.subs[path], sub)
	// Replay inside the registration lock so nothing lands between the
	// snapshot and the first live update.
	for id, value := range s.records[path] {
		sub.enqueue(store.Update{Path: path, ID: id, Value: value})
	}
	s.lock.Unlock()
	return sub, nil
}

func (s *Store) drop(sub *subscription) {
	s.lock.Lock()
	subs := s.subs[sub.path]
	for i, candidate := range subs {
		if candidate == sub {
			s.subs[sub.path] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.lock.Unlock()
}
