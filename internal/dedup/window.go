package dedup

import "sync"

// DefaultWindow is the per-connection duplicate window size.
const DefaultWindow = 100

// Window remembers the last n ids seen on one connection.
type Window struct {
	mu   sync.Mutex
	ring []string
	next int
	set  map[string]struct{}
}

func NewWindow(n int) *Window {
	if n <= 0 {
		n = DefaultWindow
	}
	return &Window{ring: make([]string, n), set: make(map[string]struct{}, n)}
}

// Seen reports whether id is already tracked; otherwise it records id and
// returns false. Empty ids are never tracked.
func (w *Window) Seen(id string) bool {
	if id == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.set[id]; ok {
		return true
	}
	if old := w.ring[w.next]; old != "" {
		delete(w.set, old)
	}
	w.ring[w.next] = id
	w.set[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)
	return false
}

func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.ring {
		w.ring[i] = ""
	}
	w.next = 0
	w.set = make(map[string]struct{}, len(w.ring))
}
