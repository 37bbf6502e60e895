package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fieldlog/datalogger/pkg/types"
)

// Entry is the collector's view of one device.
type Entry struct {
	DeviceID string

	// Batches and Readings count accepted uploads, excluding duplicates.
	Batches  int64
	Readings int64

	// LastBatchID, LastReadingID, LastReadingAt and Latest describe the
	// newest reading received.
	LastBatchID   string
	LastReadingID int64
	LastReadingAt time.Time
	Latest        json.RawMessage

	// UpdatedAt is when the device last uploaded, duplicates included.
	UpdatedAt time.Time
}

// Store is a thread-safe in-memory device store keyed by device id. It also
// remembers accepted batch ids for the dedupe window so re-sent batches are
// acknowledged without being counted twice.
//
// A background goroutine (Run) periodically evicts devices that have not
// uploaded within the TTL and batch ids older than the window.
type Store struct {
	mu      sync.RWMutex
	devices map[string]*Entry
	seen    map[string]time.Time // batch id -> accepted at
	ttl     time.Duration
	window  time.Duration
	now     func() time.Time // injectable for deterministic tests
}

// New creates a Store with the given device TTL and dedupe window.
func New(ttl, window time.Duration) *Store {
	return &Store{
		devices: make(map[string]*Entry),
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		window:  window,
		now:     time.Now,
	}
}

// TTL returns the device retention period.
func (s *Store) TTL() time.Duration { return s.ttl }

// Record applies an accepted batch. key is the de-duplication key (the
// batch id). It returns true if the key was already seen inside the window,
// in which case only the device's UpdatedAt changes.
func (s *Store) Record(key string, b *types.Batch) (duplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	e, ok := s.devices[b.DeviceID]
	if !ok {
		e = &Entry{DeviceID: b.DeviceID}
		s.devices[b.DeviceID] = e
	}
	e.UpdatedAt = now

	if at, ok := s.seen[key]; ok && now.Sub(at) < s.window {
		return true
	}
	if s.window > 0 {
		s.seen[key] = now
	}

	e.Batches++
	e.Readings += int64(len(b.Readings))
	if n := len(b.Readings); n > 0 {
		last := b.Readings[n-1]
		if last.ID >= e.LastReadingID {
			e.LastBatchID = b.BatchID
			e.LastReadingID = last.ID
			e.LastReadingAt = last.Timestamp
			e.Latest = last.Data
		}
	}
	return false
}

// Get returns a copy of the entry for deviceID and whether it was found. The
// entry may be stale if the TTL has elapsed.
func (s *Store) Get(deviceID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[deviceID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns copies of all entries updated within the TTL, ordered by
// device id. Stale entries that have not yet been evicted are excluded.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := s.now().Add(-s.ttl)
	out := make([]Entry, 0, len(s.devices))
	for _, e := range s.devices {
		if e.UpdatedAt.After(cutoff) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Count returns the number of devices held, including stale ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.devices)
}

// Evict removes devices not updated since now minus TTL and batch ids older
// than the dedupe window. It returns the number of devices removed.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-s.ttl)
	removed := 0
	for id, e := range s.devices {
		if !e.UpdatedAt.After(cutoff) {
			delete(s.devices, id)
			removed++
		}
	}
	for key, at := range s.seen {
		if now.Sub(at) >= s.window {
			delete(s.seen, key)
		}
	}
	return removed
}

// Run starts the background eviction loop. It ticks at half the shorter of
// TTL and window (minimum 1 second) and blocks until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	interval := s.ttl
	if s.window > 0 && s.window < interval {
		interval = s.window
	}
	interval /= 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("store: evicted silent devices", "count", n)
			}
		}
	}
}
