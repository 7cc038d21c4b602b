package feed

import "sync"

// tickRing is a fixed-capacity ring of recent ticks for one instrument.
// It backs CurrentPrice and the health endpoint's recent-price view; the
// signal engine keeps its own buffer.
type tickRing struct {
	mu    sync.RWMutex
	ticks []Tick
	head  int
	size  int
}

func newTickRing(capacity int) *tickRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &tickRing{ticks: make([]Tick, capacity)}
}

func (r *tickRing) append(t Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks[r.head] = t
	r.head = (r.head + 1) % len(r.ticks)
	if r.size < len(r.ticks) {
		r.size++
	}
}

func (r *tickRing) last() (Tick, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		return Tick{}, false
	}
	idx := (r.head - 1 + len(r.ticks)) % len(r.ticks)
	return r.ticks[idx], true
}

// snapshot returns ticks oldest-first.
func (r *tickRing) snapshot() []Tick {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tick, 0, r.size)
	start := (r.head - r.size + len(r.ticks)) % len(r.ticks)
	for i := 0; i < r.size; i++ {
		out = append(out, r.ticks[(start+i)%len(r.ticks)])
	}
	return out
}
