package memstore

import (
	"cmp"
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/weather-sync/internal/domain"
)

// Target is an in-memory document store. It enforces the same uniqueness
// rules as the mongo indexes: one document per source_id and one location
// per name.
type Target struct {
	mu        sync.Mutex
	docs      map[domain.Entity]map[domain.TargetKey]domain.Document
	bySource  map[domain.Entity]map[int64]domain.TargetKey
	names     map[string]domain.TargetKey
	seq       int
	indexed   bool
	retention time.Duration

	down     map[domain.Entity]bool
	failNext int
	loseAcks int
	writes   int

	// Reject, if set, is consulted for every document before it is stored.
	// A non-nil error turns the document into a Rejected failure.
	Reject func(domain.Document) error
}

// NewTarget returns an empty Target.
func NewTarget() *Target {
	t := &Target{
		docs:     make(map[domain.Entity]map[domain.TargetKey]domain.Document),
		bySource: make(map[domain.Entity]map[int64]domain.TargetKey),
		names:    make(map[string]domain.TargetKey),
		down:     make(map[domain.Entity]bool),
	}
	for _, e := range domain.Entities() {
		t.docs[e] = make(map[domain.TargetKey]domain.Document)
		t.bySource[e] = make(map[int64]domain.TargetKey)
	}
	return t
}

// SetUnavailable makes writes and reads of entity fail with
// domain.ErrTargetUnavailable until cleared.
func (t *Target) SetUnavailable(entity domain.Entity, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[entity] = down
}

// FailWrites makes the next n Write calls fail before storing anything.
func (t *Target) FailWrites(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = n
}

// LoseAcks makes the next n Write calls store their documents and then
// report a connectivity failure, as when a reply is lost in flight.
func (t *Target) LoseAcks(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loseAcks = n
}

// Writes returns how many Write calls reached the store.
func (t *Target) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

// Indexed reports whether EnsureIndexes has run, and with which retention.
func (t *Target) Indexed() (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.indexed, t.retention
}

func (t *Target) check(entity domain.Entity, op string) error {
	if t.down[entity] {
		return fmt.Errorf("%w: %s %s: server selection timeout", domain.ErrTargetUnavailable, op, entity.Collection())
	}
	return nil
}

// EnsureIndexes records that indexes were requested.
func (t *Target) EnsureIndexes(_ context.Context, retention time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexed, t.retention = true, retention
	return nil
}

// LookupSourceKeys returns the document id of every key that has a document.
func (t *Target) LookupSourceKeys(_ context.Context, entity domain.Entity, keys []int64) (map[int64]domain.TargetKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(entity, "lookup"); err != nil {
		return nil, err
	}
	out := make(map[int64]domain.TargetKey, len(keys))
	for _, k := range keys {
		if id, ok := t.bySource[entity][k]; ok {
			out[k] = id
		}
	}
	return out, nil
}

// Write stores docs. Documents without an id are assigned one first, so a
// retried call stores nothing twice.
func (t *Target) Write(ctx context.Context, entity domain.Entity, docs []domain.Document) (domain.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.WriteResult{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(entity, "insert"); err != nil {
		return domain.WriteResult{}, err
	}
	if t.failNext > 0 {
		t.failNext--
		return domain.WriteResult{}, fmt.Errorf("%w: insert %s: connection reset", domain.ErrTargetUnavailable, entity.Collection())
	}
	t.writes++

	var res domain.WriteResult
	for _, doc := range docs {
		if doc.TargetID() == "" {
			t.seq++
			doc.SetTargetID(domain.TargetKey(fmt.Sprintf("%c-%d", prefix(entity), t.seq)))
		}
		if err := t.insert(doc); err != nil {
			res.Failures = append(res.Failures, domain.WriteFailure{
				SourceKey: doc.SourceKey(), Reason: domain.ReasonOf(err), Detail: err.Error(),
			})
			continue
		}
		res.Written = append(res.Written, domain.Written{SourceKey: doc.SourceKey(), TargetKey: doc.TargetID()})
	}

	if t.loseAcks > 0 {
		t.loseAcks--
		return domain.WriteResult{}, fmt.Errorf("%w: insert %s: reply lost", domain.ErrTargetUnavailable, entity.Collection())
	}
	return res, nil
}

func (t *Target) insert(doc domain.Document) error {
	if err := domain.Validate(doc); err != nil {
		return err
	}
	entity, id := doc.Entity(), doc.TargetID()
	if existing, ok := t.bySource[entity][doc.SourceKey()]; ok {
		if existing == id {
			return nil
		}
		return fmt.Errorf("%w: duplicate source_id %d", domain.ErrRejected, doc.SourceKey())
	}
	if _, ok := t.docs[entity][id]; ok {
		return fmt.Errorf("%w: duplicate _id %s", domain.ErrRejected, id)
	}
	if loc, ok := doc.(*domain.LocationDoc); ok {
		if _, taken := t.names[loc.Name]; taken {
			return fmt.Errorf("%w: duplicate name %q", domain.ErrRejected, loc.Name)
		}
	}
	if t.Reject != nil {
		if err := t.Reject(doc); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrRejected, err)
		}
	}
	if err := t.put(doc); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRejected, err)
	}
	return nil
}

func (t *Target) put(doc domain.Document) error {
	c, err := clone(doc)
	if err != nil {
		return err
	}
	t.docs[c.Entity()][c.TargetID()] = c
	t.bySource[c.Entity()][c.SourceKey()] = c.TargetID()
	if loc, ok := c.(*domain.LocationDoc); ok {
		t.names[loc.Name] = loc.ID
	}
	return nil
}

// Put stores doc as-is, bypassing validation and uniqueness checks.
func (t *Target) Put(doc domain.Document) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.put(doc)
}

// Mutate applies fn to a copy of the stored document for sourceKey.
func (t *Target) Mutate(entity domain.Entity, sourceKey int64, fn func(domain.Document)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.bySource[entity][sourceKey]
	if !ok {
		return false
	}
	c, err := clone(t.docs[entity][id])
	if err != nil {
		return false
	}
	fn(c)
	t.docs[entity][id] = c
	return true
}

// Delete removes the document for sourceKey.
func (t *Target) Delete(entity domain.Entity, sourceKey int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.bySource[entity][sourceKey]
	if !ok {
		return false
	}
	if loc, ok := t.docs[entity][id].(*domain.LocationDoc); ok {
		delete(t.names, loc.Name)
	}
	delete(t.docs[entity], id)
	delete(t.bySource[entity], sourceKey)
	return true
}

// Get returns a copy of the document for sourceKey.
func (t *Target) Get(entity domain.Entity, sourceKey int64) (domain.Document, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.bySource[entity][sourceKey]
	if !ok {
		return nil, false
	}
	c, err := clone(t.docs[entity][id])
	if err != nil {
		return nil, false
	}
	return c, true
}

// Count returns the number of documents of entity.
func (t *Target) Count(_ context.Context, entity domain.Entity) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(entity, "count"); err != nil {
		return 0, err
	}
	return int64(len(t.docs[entity])), nil
}

// SourceKeyIndex returns the source key -> document id mapping of entity.
func (t *Target) SourceKeyIndex(_ context.Context, entity domain.Entity) (map[int64]domain.TargetKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(entity, "lookup"); err != nil {
		return nil, err
	}
	out := make(map[int64]domain.TargetKey, len(t.docs[entity]))
	for id, d := range t.docs[entity] {
		out[d.SourceKey()] = id
	}
	return out, nil
}

// ExistingIDs reports which of ids exist.
func (t *Target) ExistingIDs(_ context.Context, entity domain.Entity, ids []domain.TargetKey) (map[domain.TargetKey]bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(entity, "exists"); err != nil {
		return nil, err
	}
	out := make(map[domain.TargetKey]bool, len(ids))
	for _, id := range ids {
		if _, ok := t.docs[entity][id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

// Documents returns copies of every document in source key order when
// limit <= 0, otherwise a random sample of at most limit documents.
func (t *Target) Documents(_ context.Context, entity domain.Entity, limit int) ([]domain.Document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.check(entity, "read"); err != nil {
		return nil, err
	}
	out := make([]domain.Document, 0, len(t.docs[entity]))
	for _, d := range t.docs[entity] {
		c, err := clone(d)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if limit > 0 {
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out[:min(limit, len(out))], nil
	}
	slices.SortFunc(out, func(a, b domain.Document) int { return cmp.Compare(a.SourceKey(), b.SourceKey()) })
	return out, nil
}

func clone(doc domain.Document) (domain.Document, error) {
	switch d := doc.(type) {
	case *domain.LocationDoc:
		c := *d
		return &c, nil
	case *domain.ObservationDoc:
		c := *d
		return &c, nil
	case *domain.PredictionDoc:
		c := *d
		return &c, nil
	}
	return nil, fmt.Errorf("memstore: unsupported document %T", doc)
}

func prefix(e domain.Entity) rune {
	switch e {
	case domain.EntityLocation:
		return 'L'
	case domain.EntityObservation:
		return 'O'
	}
	return 'P'
}
