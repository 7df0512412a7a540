// ABOUTME: TTL-bounded guard against duplicate send submissions
// ABOUTME: Remembers recently seen client submission keys and rejects repeats

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultWindow is how long a submission key blocks repeats. Browsers
	// double-submit within seconds, not minutes.
	DefaultWindow = 2 * time.Minute

	// DefaultCapacity bounds memory for pathological clients.
	DefaultCapacity = 4096

	sweepInterval = time.Minute
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Guard tracks recently admitted submission keys so the web layer can drop
// duplicate sends (double-click, client retry) inside the window. Keys are
// whatever the caller uses to identify one submission, typically
// "<agentID>:<clientMessageID>". Oldest keys are evicted first when the guard
// is full.
type Guard struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // oldest at front
	window   time.Duration
	capacity int
	done     chan struct{}
	closed   bool
}

// NewGuard creates a guard with the given window and capacity; zero values
// fall back to the defaults. A background goroutine sweeps expired keys.
func NewGuard(window time.Duration, capacity int) *Guard {
	if window <= 0 {
		window = DefaultWindow
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	g := &Guard{
		entries:  make(map[string]*entry),
		order:    list.New(),
		window:   window,
		capacity: capacity,
		done:     make(chan struct{}),
	}
	go g.sweep()
	return g
}

// Admit records key and reports whether the submission should proceed. It
// returns false when the key was already admitted inside the window. The
// check and the record are one atomic step.
func (g *Guard) Admit(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[key]; ok && time.Since(e.seenAt) < g.window {
		return false
	}
	g.record(key)
	return true
}

// Forget removes key so a later submission with the same key is admitted
// again. Callers use it to release a key whose submission was rejected, so a
// manual retry is not mistaken for a duplicate.
func (g *Guard) Forget(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok {
		return
	}
	g.order.Remove(e.element)
	delete(g.entries, key)
}

// Seen reports whether key was admitted inside the window, without recording.
func (g *Guard) Seen(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	return ok && time.Since(e.seenAt) < g.window
}

// record must be called with mu held.
func (g *Guard) record(key string) {
	now := time.Now()

	if e, ok := g.entries[key]; ok {
		e.seenAt = now
		g.order.MoveToBack(e.element)
		return
	}

	if len(g.entries) >= g.capacity {
		g.evictOldest()
	}

	g.entries[key] = &entry{seenAt: now, element: g.order.PushBack(key)}
}

// evictOldest must be called with mu held.
func (g *Guard) evictOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.entries, key)
}

func (g *Guard) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.expire()
		case <-g.done:
			return
		}
	}
}

func (g *Guard) expire() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for front := g.order.Front(); front != nil; {
		key, _ := front.Value.(string)
		e := g.entries[key]
		if now.Sub(e.seenAt) <= g.window {
			break
		}
		next := front.Next()
		g.order.Remove(front)
		delete(g.entries, key)
		front = next
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
