// Package ratelimit implements exact sliding-window admission control keyed
// by actor identity. Each actor carries a log of request timestamps; a
// request is admitted while fewer than the configured maximum fall inside
// the moving window. The log is exact rather than bucketed, which keeps the
// window-slide behavior precise at the cost of O(window) per check —
// acceptable while per-actor windows stay small.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

type actorWindow struct {
	mu sync.Mutex
	// set when Prune or Reset removes the window from the actor map; an
	// Allow that resolved this window before removal must not record into it
	dead   bool
	stamps []time.Time
}

// dropStale removes timestamps older than cutoff. Caller holds w.mu.
func (w *actorWindow) dropStale(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Limiter admits up to maxRequests per actor within a sliding window.
// Denial is a normal outcome, not an error; the caller decides whether to
// reject or queue the triggering action. Safe for concurrent use; state is
// locked per actor, not globally.
type Limiter struct {
	name        string
	maxRequests int
	window      time.Duration

	mu     sync.RWMutex
	actors map[string]*actorWindow

	now func() time.Time
}

func NewLimiter(name string, maxRequests int, window time.Duration) (*Limiter, error) {
	if maxRequests <= 0 {
		return nil, fmt.Errorf("limiter max requests must be positive, got %d", maxRequests)
	}
	if window <= 0 {
		return nil, fmt.Errorf("limiter window must be positive, got %s", window)
	}
	return &Limiter{
		name:        name,
		maxRequests: maxRequests,
		window:      window,
		actors:      make(map[string]*actorWindow),
		now:         time.Now,
	}, nil
}

func (l *Limiter) actor(id string) *actorWindow {
	l.mu.RLock()
	w, ok := l.actors[id]
	l.mu.RUnlock()
	if ok {
		return w
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok = l.actors[id]; ok {
		return w
	}
	w = &actorWindow{}
	l.actors[id] = w
	return w
}

// Allow records and admits a request for actor if its window has room,
// returning false (and recording nothing) otherwise.
func (l *Limiter) Allow(actor string) bool {
	var w *actorWindow
	for {
		w = l.actor(actor)
		w.mu.Lock()
		if !w.dead {
			break
		}
		// a concurrent Prune or Reset dropped this window between lookup
		// and lock; resolve a fresh one so the record lands in the map
		w.mu.Unlock()
	}
	defer w.mu.Unlock()

	now := l.now()
	w.dropStale(now.Add(-l.window))
	if len(w.stamps) >= l.maxRequests {
		requestsDenied.WithLabelValues(l.name).Inc()
		return false
	}
	w.stamps = append(w.stamps, now)
	requestsAllowed.WithLabelValues(l.name).Inc()
	return true
}

// Remaining reports how many requests actor may still make in the current
// window, without recording anything.
func (l *Limiter) Remaining(actor string) int {
	l.mu.RLock()
	w, ok := l.actors[actor]
	l.mu.RUnlock()
	if !ok {
		return l.maxRequests
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	live := 0
	for _, ts := range w.stamps {
		if !ts.Before(cutoff) {
			live++
		}
	}
	if live >= l.maxRequests {
		return 0
	}
	return l.maxRequests - live
}

// RetryAfter reports how long until actor's oldest in-window request slides
// out. Zero means a request would be admitted now.
func (l *Limiter) RetryAfter(actor string) time.Duration {
	l.mu.RLock()
	w, ok := l.actors[actor]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	now := l.now()
	w.dropStale(now.Add(-l.window))
	if len(w.stamps) < l.maxRequests {
		return 0
	}
	return l.window - now.Sub(w.stamps[0])
}

// Reset clears actor's window entirely. Administrative override.
func (l *Limiter) Reset(actor string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.actors[actor]; ok {
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
		delete(l.actors, actor)
	}
}

// Prune drops actors whose windows hold no live timestamps, so one-shot
// callers do not grow the map without bound. Returns how many actors were
// removed. Called periodically by the cache manager's sweep loop.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, w := range l.actors {
		w.mu.Lock()
		w.dropStale(cutoff)
		empty := len(w.stamps) == 0
		if empty {
			w.dead = true
		}
		w.mu.Unlock()
		if empty {
			delete(l.actors, id)
			removed++
		}
	}
	return removed
}

// Actors reports how many actor windows are currently tracked.
func (l *Limiter) Actors() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.actors)
}
