package cache

import (
	"container/list"
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryConfig holds in-memory store configuration.
type MemoryConfig struct {
	// MaxSize is the maximum number of value entries (0 = unlimited).
	MaxSize int64

	// DefaultTTL is applied to entries written without an explicit TTL.
	DefaultTTL time.Duration

	// CleanupInterval is how often to sweep expired entries.
	CleanupInterval time.Duration
}

// DefaultMemoryConfig returns sensible defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxSize:         10000,
		DefaultTTL:      0,
		CleanupInterval: time.Minute,
	}
}

// MemoryStore is an in-memory Store with LRU eviction and TTL support.
// It mirrors the Redis semantics closely enough for tests and for
// running the service without a Redis instance.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]*list.Element
	sets    map[string]map[string]struct{}
	setTTL  map[string]time.Time
	lru     *list.List
	cfg     MemoryConfig
	stats   Stats
	stopCh  chan struct{}
	stopped atomic.Bool
}

type memItem struct {
	entry Entry
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.MaxSize == 0 {
		cfg.MaxSize = DefaultMemoryConfig().MaxSize
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = DefaultMemoryConfig().CleanupInterval
	}

	s := &MemoryStore{
		items:  make(map[string]*list.Element),
		sets:   make(map[string]map[string]struct{}),
		setTTL: make(map[string]time.Time),
		lru:    list.New(),
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	go s.cleanupLoop()

	return s
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		atomic.AddInt64(&s.stats.Misses, 1)
		return nil, ErrNotFound
	}

	item := elem.Value.(*memItem)
	if item.entry.IsExpired() {
		s.removeElement(elem)
		atomic.AddInt64(&s.stats.Misses, 1)
		atomic.AddInt64(&s.stats.Expirations, 1)
		return nil, ErrNotFound
	}

	s.lru.MoveToFront(elem)
	atomic.AddInt64(&s.stats.Hits, 1)

	return item.entry.Value, nil
}

// Set stores a value with a TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(key, value, ttl)
	atomic.AddInt64(&s.stats.Sets, 1)
	return nil
}

func (s *MemoryStore) setLocked(key string, value []byte, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	} else if s.cfg.DefaultTTL > 0 {
		expiresAt = time.Now().Add(s.cfg.DefaultTTL)
	}

	entry := Entry{
		Key:       key,
		Value:     value,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
	}

	if elem, ok := s.items[key]; ok {
		elem.Value = &memItem{entry: entry}
		s.lru.MoveToFront(elem)
		return
	}

	for s.cfg.MaxSize > 0 && atomic.LoadInt64(&s.stats.Size) >= s.cfg.MaxSize {
		s.evictOldest()
	}

	elem := s.lru.PushFront(&memItem{entry: entry})
	s.items[key] = elem
	atomic.AddInt64(&s.stats.Size, 1)
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		if _, isSet := s.sets[key]; isSet {
			delete(s.sets, key)
			delete(s.setTTL, key)
			atomic.AddInt64(&s.stats.Deletes, 1)
			return nil
		}
		return ErrNotFound
	}

	s.removeElement(elem)
	atomic.AddInt64(&s.stats.Deletes, 1)
	return nil
}

// Has checks if a key exists.
func (s *MemoryStore) Has(ctx context.Context, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elem, ok := s.items[key]
	if !ok {
		return false
	}
	return !elem.Value.(*memItem).entry.IsExpired()
}

// TTL reports the remaining time-to-live for a key.
func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elem, ok := s.items[key]
	if !ok {
		if _, isSet := s.sets[key]; isSet {
			deadline, hasTTL := s.setTTL[key]
			if !hasTTL {
				return 0, nil
			}
			if time.Now().After(deadline) {
				return 0, ErrNotFound
			}
			return time.Until(deadline), nil
		}
		return 0, ErrNotFound
	}
	entry := elem.Value.(*memItem).entry
	if entry.IsExpired() {
		return 0, ErrNotFound
	}
	if entry.ExpiresAt.IsZero() {
		return 0, nil
	}
	return time.Until(entry.ExpiresAt), nil
}

// IncrBy atomically adds delta to an integer counter key. The counter is
// stored as a decimal string, matching Redis behavior.
func (s *MemoryStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	var expiresAt time.Time

	if elem, ok := s.items[key]; ok {
		entry := elem.Value.(*memItem).entry
		if !entry.IsExpired() {
			n, err := strconv.ParseInt(string(entry.Value), 10, 64)
			if err == nil {
				current = n
				expiresAt = entry.ExpiresAt
			}
		}
	}

	current += delta
	s.setLocked(key, []byte(strconv.FormatInt(current, 10)), 0)
	// Preserve any existing expiry across the rewrite.
	if !expiresAt.IsZero() {
		if elem, ok := s.items[key]; ok {
			item := elem.Value.(*memItem)
			item.entry.ExpiresAt = expiresAt
		}
	}
	return current, nil
}

// Expire sets or refreshes a key's TTL. Like Redis, it applies to
// value and set keys alike.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		item := elem.Value.(*memItem)
		if ttl > 0 {
			item.entry.ExpiresAt = time.Now().Add(ttl)
		} else {
			item.entry.ExpiresAt = time.Time{}
		}
		return nil
	}

	if _, ok := s.sets[key]; ok {
		if ttl > 0 {
			s.setTTL[key] = time.Now().Add(ttl)
		} else {
			delete(s.setTTL, key)
		}
	}
	return nil
}

// setExpiredLocked reports whether the set at key has passed its TTL,
// dropping it if so. Caller must hold the write lock.
func (s *MemoryStore) setExpiredLocked(key string) bool {
	deadline, ok := s.setTTL[key]
	if !ok || time.Now().Before(deadline) {
		return false
	}
	delete(s.sets, key)
	delete(s.setTTL, key)
	atomic.AddInt64(&s.stats.Expirations, 1)
	return true
}

// SetAdd adds members to a set.
func (s *MemoryStore) SetAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setExpiredLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

// SetMembers returns all members of a set.
func (s *MemoryStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setExpiredLocked(key) {
		return nil, nil
	}
	set, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

// SetRemove removes members from a set.
func (s *MemoryStore) SetRemove(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setExpiredLocked(key) {
		return nil
	}
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
		delete(s.setTTL, key)
	}
	return nil
}

// Keys enumerates value keys with the given prefix.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key, elem := range s.items {
		if strings.HasPrefix(key, prefix) && !elem.Value.(*memItem).entry.IsExpired() {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// DeletePrefix removes every key (values and sets) with the given prefix.
func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, elem := range s.items {
		if strings.HasPrefix(key, prefix) {
			s.removeElement(elem)
			deleted++
		}
	}
	for key := range s.sets {
		if strings.HasPrefix(key, prefix) {
			delete(s.sets, key)
			delete(s.setTTL, key)
			deleted++
		}
	}
	atomic.AddInt64(&s.stats.Deletes, deleted)
	return deleted, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Stats returns store-level operation counters.
func (s *MemoryStore) Stats() Stats {
	return Stats{
		Hits:        atomic.LoadInt64(&s.stats.Hits),
		Misses:      atomic.LoadInt64(&s.stats.Misses),
		Sets:        atomic.LoadInt64(&s.stats.Sets),
		Deletes:     atomic.LoadInt64(&s.stats.Deletes),
		Errors:      atomic.LoadInt64(&s.stats.Errors),
		Size:        atomic.LoadInt64(&s.stats.Size),
		Evictions:   atomic.LoadInt64(&s.stats.Evictions),
		Expirations: atomic.LoadInt64(&s.stats.Expirations),
	}
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.stopCh)
	}
	return nil
}

func (s *MemoryStore) evictOldest() {
	elem := s.lru.Back()
	if elem == nil {
		return
	}
	s.removeElement(elem)
	atomic.AddInt64(&s.stats.Evictions, 1)
}

func (s *MemoryStore) removeElement(elem *list.Element) {
	item := elem.Value.(*memItem)
	delete(s.items, item.entry.Key)
	s.lru.Remove(elem)
	atomic.AddInt64(&s.stats.Size, -1)
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element

	for elem := s.lru.Back(); elem != nil; elem = elem.Prev() {
		item := elem.Value.(*memItem)
		if !item.entry.ExpiresAt.IsZero() && now.After(item.entry.ExpiresAt) {
			toRemove = append(toRemove, elem)
		}
	}

	for _, elem := range toRemove {
		s.removeElement(elem)
		atomic.AddInt64(&s.stats.Expirations, 1)
	}

	for key, deadline := range s.setTTL {
		if now.After(deadline) {
			delete(s.sets, key)
			delete(s.setTTL, key)
			atomic.AddInt64(&s.stats.Expirations, 1)
		}
	}
}
