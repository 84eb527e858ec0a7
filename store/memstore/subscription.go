package memstore

import (
	"sync"

	"github.com/wisp-io/go-wisp/store"
)

// subscription decouples enqueueing from consumption so a slow consumer
// never blocks a put. Updates buffer in pending and a pump goroutine feeds
// them to the channel; Close discards whatever is still pending and closes
// the channel.
type subscription struct {
	owner *Store
	path  string
	ch    chan store.Update
	done  chan struct{}

	lock    sync.Mutex
	cond    *sync.Cond
	pending []store.Update
	closed  bool
}

func newSubscription(owner *Store, path string) *subscription {
	s := &subscription{
		owner: owner,
		path:  path,
		ch:    make(chan store.Update),
		done:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.lock)
	go s.pump()
	return s
}

func (s *subscription) Updates() <-chan store.Update {
	return s.ch
}

func (s *subscription) Close() {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Signal()
	s.lock.Unlock()
	s.owner.drop(s)
}

func (s *subscription) enqueue(u store.Update) {
	s.lock.Lock()
	if !s.closed {
		s.pending = append(s.pending, u)
		s.cond.Signal()
	}
	s.lock.Unlock()
}

func (s *subscription) pump() {
	for {
		s.lock.Lock()
		for len(s.pending) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.lock.Unlock()
			close(s.ch)
			return
		}
		u := s.pending[0]
		s.pending = s.pending[1:]
		s.lock.Unlock()
		select {
		case s.ch <- u:
		case <-s.done:
			close(s.ch)
			return
		}
	}
}
