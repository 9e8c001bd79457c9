package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the memory store purges expired keys
const DefaultSweepInterval = 60 * time.Second

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store. Expired keys are evicted lazily on
// read and by a background sweep that stops on Close.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]memoryEntry
	now    func() time.Time
	closed bool

	sweepInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// WithSweepInterval sets the background sweep period; <= 0 disables it
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		m.sweepInterval = d
	}
}

// NewMemoryStore creates a MemoryStore and starts its sweeper
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		items:         make(map[string]memoryEntry),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.sweepInterval > 0 {
		go m.sweepLoop()
	} else {
		close(m.done)
	}
	return m
}

func (m *MemoryStore) sweepLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n, _ := m.Sweep(context.Background()); n > 0 {
				slog.Debug("Swept expired cache entries", "count", n)
			}
		}
	}
}

// lookup returns the live entry for key, evicting it if expired. Caller holds mu.
func (m *MemoryStore) lookup(key string) (memoryEntry, bool) {
	e, ok := m.items[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(m.now()) {
		delete(m.items, key)
		return memoryEntry{}, false
	}
	return e, true
}

// Get returns a copy of the stored value
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrClosed
	}

	e, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set stores a copy of value
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.items[key] = e
	return nil
}

// Del removes key
func (m *MemoryStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.items, key)
	return nil
}

// Exists reports whether key is present and not expired
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.lookup(key)
	return ok, nil
}

// TTL returns the remaining lifetime of key
func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Missing, ErrClosed
	}

	e, ok := m.lookup(key)
	if !ok {
		return Missing, nil
	}
	return remaining(e.expiresAt, m.now()), nil
}

// Incr atomically increments the counter at key
func (m *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, Missing, ErrClosed
	}

	now := m.now()
	e, ok := m.lookup(key)
	if !ok {
		e = memoryEntry{}
		if window > 0 {
			e.expiresAt = now.Add(window)
		}
	}

	var count int64
	if ok {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, Missing, ErrNotInteger
		}
		count = n
	}
	count++

	e.value = []byte(strconv.FormatInt(count, 10))
	m.items[key] = e
	return count, remaining(e.expiresAt, now), nil
}

// Sweep removes every expired entry and returns how many were removed
func (m *MemoryStore) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	now := m.now()
	removed := 0
	for key, e := range m.items {
		if e.expired(now) {
			delete(m.items, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, including not yet swept ones
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops the sweeper and discards all entries
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.items = nil
	m.mu.Unlock()

	if m.sweepInterval > 0 {
		close(m.stop)
	}
	<-m.done
	return nil
}
