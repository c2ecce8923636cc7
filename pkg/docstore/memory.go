package docstore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"talqs/internal/util"
	"talqs/pkg/domain"
)

// MemoryOptions configures a MemoryStore. Zero values take the defaults.
type MemoryOptions struct {
	TTL           time.Duration
	MaxEntries    int
	MaxBytes      int
	SweepInterval time.Duration
}

type entry struct {
	doc domain.DocumentContent
}

// MemoryStore keeps contents in-process with a sliding TTL and a bound on
// the number of entries. When full, the least recently accessed entry is
// evicted.
type MemoryStore struct {
	ttl      time.Duration
	max      int
	maxBytes int
	sweep    time.Duration
	now      func() time.Time

	mu    sync.Mutex
	order *list.List // front = most recently used; values are fingerprints
	items map[string]*list.Element
	data  map[string]*entry
}

// NewMemoryStore builds an empty store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &MemoryStore{
		ttl:      opts.TTL,
		max:      opts.MaxEntries,
		maxBytes: opts.MaxBytes,
		sweep:    opts.SweepInterval,
		now:      time.Now,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		data:     make(map[string]*entry),
	}
}

func (m *MemoryStore) Put(_ context.Context, doc domain.DocumentContent) error {
	if m.maxBytes > 0 && len(doc.Content) > m.maxBytes {
		return ErrTooLarge
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	doc.StoredAt = now
	doc.ExpiresAt = now.Add(m.ttl)
	if el, ok := m.items[doc.Fingerprint]; ok {
		m.data[doc.Fingerprint] = &entry{doc: doc}
		m.order.MoveToFront(el)
		return nil
	}
	for len(m.items) >= m.max {
		m.evictOldestLocked()
	}
	m.items[doc.Fingerprint] = m.order.PushFront(doc.Fingerprint)
	m.data[doc.Fingerprint] = &entry{doc: doc}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, fingerprint string) (domain.DocumentContent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[fingerprint]
	if !ok {
		return domain.DocumentContent{}, false, nil
	}
	now := m.now().UTC()
	if !now.Before(e.doc.ExpiresAt) {
		m.removeLocked(fingerprint)
		return domain.DocumentContent{}, false, nil
	}
	e.doc.ExpiresAt = now.Add(m.ttl)
	m.order.MoveToFront(m.items[fingerprint])
	return e.doc, true, nil
}

func (m *MemoryStore) Delete(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(fingerprint)
	return nil
}

func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

// Sweep drops every expired entry and returns how many were dropped.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	removed := 0
	for fp, e := range m.data {
		if !now.Before(e.doc.ExpiresAt) {
			m.removeLocked(fp)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries until ctx is done.
func (m *MemoryStore) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				util.LoggerFromContext(ctx).Debug("document contents expired", "count", n)
			}
		}
	}
}

func (m *MemoryStore) evictOldestLocked() {
	el := m.order.Back()
	if el == nil {
		return
	}
	m.removeLocked(el.Value.(string))
}

func (m *MemoryStore) removeLocked(fingerprint string) {
	if el, ok := m.items[fingerprint]; ok {
		m.order.Remove(el)
		delete(m.items, fingerprint)
	}
	delete(m.data, fingerprint)
}
