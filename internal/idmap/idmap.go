// Package idmap translates source primary keys into target document ids.
//
// The map is append-only for the lifetime of a run. It is the only structure
// the migration shares between goroutines, so every method is safe for
// concurrent use and no method performs I/O while holding the lock.
package idmap

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/couchcryptid/weather-sync/internal/domain"
)

// Entry is one (entity, source key) -> target key binding.
type Entry = domain.MapEntry

// Map is a bidirectional identifier map. The zero value is not usable; call New.
type Map struct {
	mu      sync.RWMutex
	forward map[domain.Entity]map[int64]domain.TargetKey
	reverse map[domain.Entity]map[domain.TargetKey]int64
}

// New returns an empty Map.
func New() *Map {
	m := &Map{
		forward: make(map[domain.Entity]map[int64]domain.TargetKey),
		reverse: make(map[domain.Entity]map[domain.TargetKey]int64),
	}
	for _, e := range domain.Entities() {
		m.forward[e] = make(map[int64]domain.TargetKey)
		m.reverse[e] = make(map[domain.TargetKey]int64)
	}
	return m
}

// Resolve returns the target key recorded for (entity, sourceKey). It fails
// with domain.ErrUnresolvedReference when nothing has been recorded.
func (m *Map) Resolve(entity domain.Entity, sourceKey int64) (domain.TargetKey, error) {
	m.mu.RLock()
	t, ok := m.forward[entity][sourceKey]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s %d has no target document", domain.ErrUnresolvedReference, entity, sourceKey)
	}
	return t, nil
}

// Record binds sourceKey to targetKey. Recording an identical binding again
// is a no-op. Rebinding either side to something else fails with
// domain.ErrIdentityConflict and leaves the map unchanged.
func (m *Map) Record(entity domain.Entity, sourceKey int64, targetKey domain.TargetKey) error {
	if targetKey == "" {
		return fmt.Errorf("record %s %d: empty target key", entity, sourceKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	fwd, ok := m.forward[entity]
	if !ok {
		return fmt.Errorf("record: unknown entity %q", entity)
	}
	if existing, ok := fwd[sourceKey]; ok {
		if existing == targetKey {
			return nil
		}
		return fmt.Errorf("%w: %s %d already maps to %s, not %s",
			domain.ErrIdentityConflict, entity, sourceKey, existing, targetKey)
	}
	if other, ok := m.reverse[entity][targetKey]; ok {
		return fmt.Errorf("%w: %s target %s already bound to source %d, not %d",
			domain.ErrIdentityConflict, entity, targetKey, other, sourceKey)
	}
	fwd[sourceKey] = targetKey
	m.reverse[entity][targetKey] = sourceKey
	return nil
}

// SourceKey performs the reverse lookup.
func (m *Map) SourceKey(entity domain.Entity, targetKey domain.TargetKey) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.reverse[entity][targetKey]
	return k, ok
}

// Len returns the number of entries recorded for entity.
func (m *Map) Len(entity domain.Entity) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forward[entity])
}

// Entries returns a snapshot of every entry, ordered by entity dependency
// order and then by source key.
func (m *Map) Entries() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, m.lenLocked())
	for e, fwd := range m.forward {
		for k, t := range fwd {
			out = append(out, Entry{Entity: e, SourceKey: k, TargetKey: t})
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		if c := cmp.Compare(a.Entity.Order(), b.Entity.Order()); c != 0 {
			return c
		}
		return cmp.Compare(a.SourceKey, b.SourceKey)
	})
	return out
}

// EntriesFor returns the entries of a single entity in source key order.
func (m *Map) EntriesFor(entity domain.Entity) []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.forward[entity]))
	for k, t := range m.forward[entity] {
		out = append(out, Entry{Entity: entity, SourceKey: k, TargetKey: t})
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.SourceKey, b.SourceKey) })
	return out
}

// Restore records every entry, stopping at the first conflict.
func (m *Map) Restore(entries []Entry) error {
	for _, e := range entries {
		if err := m.Record(e.Entity, e.SourceKey, e.TargetKey); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	return nil
}

func (m *Map) lenLocked() int {
	n := 0
	for _, fwd := range m.forward {
		n += len(fwd)
	}
	return n
}
