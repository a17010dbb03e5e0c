// Package presence tracks ephemeral per-client presence records for a room:
// user identity, cursor range and arbitrary annotations, each stamped with
// the server's wall clock for liveness-driven eviction.
package presence

import (
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/padsync/collab/internal/v1/protocol"
	"github.com/padsync/collab/internal/v1/types"
)

// Store is a per-room mapping from client id to presence record. All methods
// are safe for concurrent use, though the owning room already serializes
// access in practice.
type Store struct {
	mu      sync.RWMutex
	records map[types.ClientIDType]protocol.UserPresence
	clock   clock.PassiveClock
}

// NewStore builds an empty store. A nil clock defaults to the real clock;
// tests inject a fake to drive TTL pruning deterministically.
func NewStore(c clock.PassiveClock) *Store {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Store{
		records: make(map[types.ClientIDType]protocol.UserPresence),
		clock:   c,
	}
}

func (s *Store) now() int64 {
	return s.clock.Now().UnixMilli()
}

// Upsert sets the record for clientID. A zero timestamp is stamped with the
// current server time. Timestamps never move backwards for a given client.
func (s *Store) Upsert(clientID types.ClientIDType, p protocol.UserPresence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Timestamp == 0 {
		p.Timestamp = s.now()
	}
	if prev, ok := s.records[clientID]; ok && prev.Timestamp > p.Timestamp {
		p.Timestamp = prev.Timestamp
	}
	s.records[clientID] = p
}

// Touch refreshes only the timestamp of an existing record, leaving cursor
// and metadata untouched. It reports whether a record existed.
func (s *Store) Touch(clientID types.ClientIDType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.records[clientID]
	if !ok {
		return false
	}
	p.Timestamp = s.now()
	s.records[clientID] = p
	return true
}

// Remove deletes the record for clientID. Removing an absent record is a
// no-op.
func (s *Store) Remove(clientID types.ClientIDType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, clientID)
}

// Get returns a copy of the record for clientID.
func (s *Store) Get(clientID types.ClientIDType) (protocol.UserPresence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[clientID]
	return p, ok
}

// Entries enumerates all records. Order is unspecified; clients must not
// depend on it.
func (s *Store) Entries() []protocol.PresenceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]protocol.PresenceEntry, 0, len(s.records))
	for id, p := range s.records {
		entries = append(entries, protocol.PresenceEntry{
			ClientID: string(id),
			Presence: p,
		})
	}
	return entries
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// PruneOlderThan removes and returns every client whose record has not been
// refreshed within ttl.
func (s *Store) PruneOlderThan(ttl time.Duration) []types.ClientIDType {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now() - ttl.Milliseconds()
	var evicted []types.ClientIDType
	for id, p := range s.records {
		if p.Timestamp < cutoff {
			delete(s.records, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
