package mqtt

import "sync"

// subscription is what the client needs to replay a subscribe after the
// broker drops a clean session.
type subscription struct {
	filter  string
	qos     byte
	handler MessageHandler
}

// registry tracks live subscriptions by filter.
type registry struct {
	mu   sync.RWMutex
	subs map[string]subscription
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]subscription)}
}

func (r *registry) put(s subscription) {
	r.mu.Lock()
	r.subs[s.filter] = s
	r.mu.Unlock()
}

func (r *registry) remove(filter string) {
	r.mu.Lock()
	delete(r.subs, filter)
	r.mu.Unlock()
}

func (r *registry) has(filter string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subs[filter]
	return ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// snapshot copies the registry so replays do not hold the lock while
// talking to the broker.
func (r *registry) snapshot() []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}
