package delivery

import "sync"

// Registry is the processed-id set for one scope. Inserts opportunistically
// evict expired entries and enforce the size cap oldest-first, so memory
// stays bounded no matter how long a subscription lives. Forget unmarks an
// id so a clean redelivery of a corrupted record can pass dedup again.
type Registry struct {
	ttl uint64
	cap int

	lock    sync.Mutex
	entries map[string]uint64
	order   []registryEntry
}

type registryEntry struct {
	id string
	at uint64
}

func NewRegistry(ttl uint64, cap int) *Registry {
	return &Registry{
		ttl:     ttl,
		cap:     cap,
		entries: make(map[string]uint64),
	}
}

func (r *Registry) Seen(id string, now uint64) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	at, ok := r.entries[id]
	if !ok {
		return false
	}
	if r.expired(at, now) {
		delete(r.entries, id)
		return false
	}
	return true
}

func (r *Registry) Mark(id string, now uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.entries[id] = now
	r.order = append(r.order, registryEntry{id: id, at: now})
	r.sweep(now)
}

func (r *Registry) Forget(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.entries, id)
}

func (r *Registry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.entries)
}

// sweep pops expired heads, then pops live heads until the cap holds. Stale
// order entries from Forget or re-marking are skipped: an entry only counts
// when the map still agrees with it.
func (r *Registry) sweep(now uint64) {
	for len(r.order) > 0 {
		head := r.order[0]
		live := r.entries[head.id] == head.at
		if live && !r.expired(head.at, now) && len(r.entries) <= r.cap {
			break
		}
		r.order = r.order[1:]
		if live {
			delete(r.entries, head.id)
		}
	}
}

func (r *Registry) expired(at, now uint64) bool {
	return now > at && now-at > r.ttl
}
