// Package routecache tracks which fallback entry is currently considered
// live for each virtual model. Entries expire after a fixed TTL; an expired
// entry is treated as absent so routing restarts from the preferred target,
// never as a hard failure. Nothing here is persisted.
package routecache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EntryTTL is how long a cached route stays valid after its last successful
// response.
const EntryTTL = 3600 * time.Second

type cachedEntry struct {
	entryID  uuid.UUID
	cachedAt time.Time
}

// RouteState is the display-only projection of a routing decision. It is
// updated after the fact and must never be consulted for control flow; the
// authoritative state is the cached entry map.
type RouteState struct {
	VirtualModelName  string    `json:"virtual_model_name"`
	CurrentEntryIndex int       `json:"current_entry_index"`
	CurrentEntryID    string    `json:"current_entry_id"`
	Provider          string    `json:"provider"`
	ModelID           string    `json:"model_id"`
	TotalEntries      int       `json:"total_entries"`
	LastUpdated       time.Time `json:"last_updated"`
}

// Store is a concurrency-safe map of virtual model name to its active
// fallback entry. The lock guards only map reads and writes; it is never held
// across network I/O.
type Store struct {
	mu      sync.Mutex
	entries map[string]cachedEntry
	states  map[string]RouteState

	now func() time.Time
}

// NewStore creates an empty route cache.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]cachedEntry),
		states:  make(map[string]RouteState),
		now:     time.Now,
	}
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// GetCachedEntryID returns the entry id currently cached for the virtual
// model, if present and fresher than the TTL. Stale entries are evicted as a
// side effect.
func (s *Store) GetCachedEntryID(name string) (uuid.UUID, bool) {
	key := nameKey(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return uuid.Nil, false
	}
	if s.now().Sub(entry.cachedAt) > EntryTTL {
		delete(s.entries, key)
		return uuid.Nil, false
	}
	return entry.entryID, true
}

// SetCachedEntryID records the entry that just served a successful response,
// with a fresh timestamp.
func (s *Store) SetCachedEntryID(name string, id uuid.UUID) {
	key := nameKey(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = cachedEntry{entryID: id, cachedAt: s.now()}
}

// Clear forgets the cached route and display state for one virtual model.
// Called whenever the model's entry list is reordered, edited, or deleted.
func (s *Store) Clear(name string) {
	key := nameKey(name)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	delete(s.states, key)
}

// ClearAll drops every cached route and display state.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]cachedEntry)
	s.states = make(map[string]RouteState)
}

// SetRouteState updates the display-only projection for a virtual model.
func (s *Store) SetRouteState(state RouteState) {
	key := nameKey(state.VirtualModelName)
	if state.LastUpdated.IsZero() {
		state.LastUpdated = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = state
}

// RouteStates returns a stable snapshot of all display states, sorted by
// virtual model name.
func (s *Store) RouteStates() []RouteState {
	s.mu.Lock()
	out := make([]RouteState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, state)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].VirtualModelName < out[j].VirtualModelName
	})
	return out
}
