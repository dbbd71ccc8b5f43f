package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	item ContentItem
	rec  DeliveryRecord
	seq  uint64
}

// memStore keeps all state in maps guarded by one mutex.
// When j is set every mutation is journaled before it becomes visible.
type memStore struct {
	mu  sync.Mutex
	now func() time.Time

	entries  map[string]*memEntry           // ref -> entry
	bySource map[string]map[string]string // source -> source_id -> ref
	seq      uint64

	j      *journal
	closed bool
}

// NewMemory returns a process-local store. State is lost on Close.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		now:      time.Now,
		entries:  map[string]*memEntry{},
		bySource: map[string]map[string]string{},
	}
}

func (s *memStore) KnownIDs(ctx context.Context, source string) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ids := s.bySource[source]
	out := make(map[string]struct{}, len(ids))
	for id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *memStore) InsertNew(ctx context.Context, items []ContentItem) ([]ContentItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var inserted []ContentItem
	for _, it := range items {
		if strings.TrimSpace(it.SourceName) == "" || strings.TrimSpace(it.SourceID) == "" {
			continue
		}
		if _, ok := s.bySource[it.SourceName][it.SourceID]; ok {
			continue
		}
		if it.Ref == "" {
			it.Ref = uuid.NewString()
		}
		if it.DiscoveredAt.IsZero() {
			it.DiscoveredAt = s.now()
		}
		if err := s.write(journalOp{Op: opInsert, Item: &it}); err != nil {
			return inserted, err
		}
		s.applyInsert(it)
		inserted = append(inserted, it)
	}
	return inserted, nil
}

func (s *memStore) MarkDelivered(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e, ok := s.entries[ref]
	if !ok {
		return ErrNotFound
	}
	if e.rec.Status == StatusDelivered {
		return nil
	}
	if _, err := e.rec.Status.Transition(StatusDelivered); err != nil {
		return err
	}
	at := s.now()
	if err := s.write(journalOp{Op: opDelivered, Ref: ref, At: at.UnixNano()}); err != nil {
		return err
	}
	s.applyDelivered(ref, at)
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, ref string, permanent bool, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e, ok := s.entries[ref]
	if !ok {
		return ErrNotFound
	}
	if e.rec.Status.Terminal() {
		return nil
	}
	at := s.now()
	op := journalOp{Op: opFailed, Ref: ref, Permanent: permanent, Reason: reason, At: at.UnixNano()}
	if err := s.write(op); err != nil {
		return err
	}
	s.applyFailed(ref, permanent, reason, at)
	return nil
}

func (s *memStore) PendingItems(ctx context.Context, source string, limit int) ([]ContentItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var pending []*memEntry
	for _, ref := range s.bySource[source] {
		if e := s.entries[ref]; e != nil && e.rec.Status == StatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.item.DiscoveredAt.Equal(b.item.DiscoveredAt) {
			return a.item.DiscoveredAt.Before(b.item.DiscoveredAt)
		}
		return a.seq < b.seq
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]ContentItem, 0, len(pending))
	for _, e := range pending {
		out = append(out, e.item)
	}
	return out, nil
}

func (s *memStore) Record(ctx context.Context, ref string) (DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return DeliveryRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DeliveryRecord{}, ErrClosed
	}
	e, ok := s.entries[ref]
	if !ok {
		return DeliveryRecord{}, ErrNotFound
	}
	return cloneRecord(e.rec), nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.j == nil {
		return nil
	}
	err := s.j.compact(s.snapshotLocked())
	if cerr := s.j.close(); err == nil {
		err = cerr
	}
	return err
}

// write journals op when persistence is enabled. Callers hold mu.
func (s *memStore) write(op journalOp) error {
	if s.j == nil {
		return nil
	}
	if err := s.j.append(op); err != nil {
		return err
	}
	if s.j.due() {
		// failure here only delays compaction; the journal is still intact
		_ = s.j.compact(s.snapshotLocked())
	}
	return nil
}

func (s *memStore) applyInsert(it ContentItem) {
	if _, ok := s.bySource[it.SourceName][it.SourceID]; ok {
		return
	}
	s.seq++
	s.entries[it.Ref] = &memEntry{
		item: it,
		rec:  DeliveryRecord{ItemRef: it.Ref, Status: StatusPending},
		seq:  s.seq,
	}
	ids := s.bySource[it.SourceName]
	if ids == nil {
		ids = map[string]string{}
		s.bySource[it.SourceName] = ids
	}
	ids[it.SourceID] = it.Ref
}

func (s *memStore) applyDelivered(ref string, at time.Time) {
	e := s.entries[ref]
	if e == nil || e.rec.Status != StatusPending {
		return
	}
	e.rec.Status = StatusDelivered
	e.rec.Attempts++
	e.rec.LastAttemptAt = &at
	e.rec.DeliveredAt = &at
	e.rec.LastError = ""
}

func (s *memStore) applyFailed(ref string, permanent bool, reason string, at time.Time) {
	e := s.entries[ref]
	if e == nil || e.rec.Status.Terminal() {
		return
	}
	e.rec.Attempts++
	e.rec.LastAttemptAt = &at
	e.rec.LastError = reason
	if permanent {
		e.rec.Status = StatusFailedPermanent
	}
}

func cloneRecord(r DeliveryRecord) DeliveryRecord {
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		r.LastAttemptAt = &t
	}
	if r.DeliveredAt != nil {
		t := *r.DeliveredAt
		r.DeliveredAt = &t
	}
	return r
}
