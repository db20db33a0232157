package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrLoadTimeout means the loader did not finish within the manager's
	// load timeout. The in-flight slot is released, so a later call for the
	// same key starts a fresh load.
	ErrLoadTimeout = errors.New("cache load timed out")

	// ErrUnknownDomain means no cache was registered under the given name.
	ErrUnknownDomain = errors.New("unknown cache domain")
)

// Loader fetches a value from backing storage on a cache miss.
type Loader func(ctx context.Context) (any, error)

// Pruner is anything with periodic cleanup the sweep loop should drive,
// e.g. a rate limiter dropping idle actor windows.
type Pruner interface {
	Prune() int
}

type ManagerConfig struct {
	// SweepInterval is how often expired entries and idle limiter windows
	// are cleaned up, independent of request traffic.
	SweepInterval time.Duration

	// LoadTimeout bounds a single loader invocation inside GetOrLoad.
	LoadTimeout time.Duration

	Logger *slog.Logger
}

func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		SweepInterval: time.Minute,
		LoadTimeout:   5 * time.Second,
	}
}

// Manager composes named TTLCache domains behind a read-through facade.
// Concurrent GetOrLoad calls for the same missing (domain, key) share a
// single loader invocation. Manager also owns the periodic sweep loop.
type Manager struct {
	logger        *slog.Logger
	sweepInterval time.Duration
	loadTimeout   time.Duration

	mu      sync.RWMutex
	caches  map[string]*TTLCache[string, any]
	pruners []Pruner

	sf singleflight.Group

	shutdownChan chan struct{}
	doneChan     chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once
	started      atomic.Bool
}

func NewManager(config *ManagerConfig) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sweep := config.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	loadTimeout := config.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = 5 * time.Second
	}
	return &Manager{
		logger:        logger.With("system", "cache"),
		sweepInterval: sweep,
		loadTimeout:   loadTimeout,
		caches:        make(map[string]*TTLCache[string, any]),
		shutdownChan:  make(chan struct{}),
		doneChan:      make(chan struct{}),
	}
}

// RegisterDomain adds a named cache. Registering a duplicate name is an error.
func (m *Manager) RegisterDomain(name string, capacity int, ttl time.Duration) error {
	c, err := NewTTLCache[string, any](capacity, ttl)
	if err != nil {
		return fmt.Errorf("registering cache domain %q: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[name]; ok {
		return fmt.Errorf("cache domain %q already registered", name)
	}
	m.caches[name] = c
	return nil
}

// RegisterPruner adds a cleanup hook driven by the sweep loop.
func (m *Manager) RegisterPruner(p Pruner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruners = append(m.pruners, p)
}

func (m *Manager) domain(name string) (*TTLCache[string, any], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.caches[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, name)
	}
	return c, nil
}

// GetOrLoad returns the cached value for (domain, key), invoking loader on a
// miss and caching its result. At most one loader runs per key at a time;
// concurrent callers for the same missing key share its result. The loader
// is bounded by the manager's load timeout. Loader errors are returned to
// all waiters and never cached.
func (m *Manager) GetOrLoad(ctx context.Context, domain, key string, loader Loader) (any, error) {
	c, err := m.domain(domain)
	if err != nil {
		return nil, err
	}
	if v, ok := c.Get(key); ok {
		cacheHits.WithLabelValues(domain).Inc()
		return v, nil
	}
	cacheMisses.WithLabelValues(domain).Inc()

	sfKey := domain + "/" + key
	lctx, cancel := context.WithTimeout(ctx, m.loadTimeout)
	defer cancel()

	ch := m.sf.DoChan(sfKey, func() (any, error) {
		v, err := loader(lctx)
		if err != nil {
			return nil, err
		}
		// a value arriving after the deadline is returned to nobody and
		// must not overwrite a fresher load
		if lctx.Err() == nil {
			c.Set(key, v)
		}
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			loadsCoalesced.WithLabelValues(domain).Inc()
		}
		return res.Val, nil
	case <-lctx.Done():
		// Release the in-flight slot so later callers retry instead of
		// waiting on a load that already missed its deadline.
		m.sf.Forget(sfKey)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loadTimeouts.WithLabelValues(domain).Inc()
		return nil, fmt.Errorf("loading %s: %w", sfKey, ErrLoadTimeout)
	}
}

// Invalidate drops a single cached entry, typically after a write changed
// the underlying row.
// Put stores a value directly, bypassing the loader path. Used to seed a
// domain at startup.
func (m *Manager) Put(domain, key string, value any) error {
	c, err := m.domain(domain)
	if err != nil {
		return err
	}
	c.Set(key, value)
	return nil
}

func (m *Manager) Invalidate(domain, key string) {
	if c, err := m.domain(domain); err == nil {
		c.Invalidate(key)
	}
}

// InvalidateAll drops every entry in a domain.
func (m *Manager) InvalidateAll(domain string) {
	if c, err := m.domain(domain); err == nil {
		c.Purge()
	}
}

// DomainStats returns counters for one domain, for diagnostics endpoints.
func (m *Manager) DomainStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.caches))
	for name, c := range m.caches {
		out[name] = c.Stats()
	}
	return out
}

// Start launches the background sweep loop.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go func() {
			ticker := time.NewTicker(m.sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.shutdownChan:
					close(m.doneChan)
					return
				case <-ticker.C:
					m.sweepAll()
				}
			}
		}()
	})
}

// Shutdown stops the sweep loop, waiting for an in-progress sweep to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.shutdownChan)
	})
	if !m.started.Load() {
		// no sweep loop to wait on
		return nil
	}
	select {
	case <-m.doneChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) sweepAll() {
	m.mu.RLock()
	caches := make(map[string]*TTLCache[string, any], len(m.caches))
	for name, c := range m.caches {
		caches[name] = c
	}
	pruners := m.pruners
	m.mu.RUnlock()

	total := 0
	for name, c := range caches {
		removed := c.Sweep()
		sweepEvictions.WithLabelValues(name).Add(float64(removed))
		cacheSize.WithLabelValues(name).Set(float64(c.Len()))
		total += removed
	}
	for _, p := range pruners {
		p.Prune()
	}
	if total > 0 {
		m.logger.Debug("cache sweep complete", "evicted", total)
	}
}
