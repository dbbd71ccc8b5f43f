package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// runStoreContract exercises the behavior every driver must share.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	item := func(source, id string, off time.Duration) ContentItem {
		return ContentItem{
			SourceName:   source,
			SourceID:     id,
			DiscoveredAt: base.Add(off),
			Payload:      Payload{URL: "https://example.com/" + id, Caption: "clip " + id},
		}
	}

	t.Run("insert skips known items", func(t *testing.T) {
		st := open(t)
		got, err := st.InsertNew(ctx, []ContentItem{item("s", "1", 0), item("s", "2", 1)})
		if err != nil {
			t.Fatalf("InsertNew: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("inserted=%d want 2", len(got))
		}
		for _, it := range got {
			if it.Ref == "" {
				t.Fatalf("missing ref on %s", it.SourceID)
			}
		}

		got, err = st.InsertNew(ctx, []ContentItem{item("s", "2", 5), item("s", "3", 6), item("s", "3", 7)})
		if err != nil {
			t.Fatalf("InsertNew: %v", err)
		}
		if len(got) != 1 || got[0].SourceID != "3" {
			t.Fatalf("second insert=%v want only id 3", got)
		}

		ids, err := st.KnownIDs(ctx, "s")
		if err != nil {
			t.Fatalf("KnownIDs: %v", err)
		}
		if len(ids) != 3 {
			t.Fatalf("known=%v want 3 ids", ids)
		}
		other, _ := st.KnownIDs(ctx, "other")
		if len(other) != 0 {
			t.Fatalf("other source known=%v", other)
		}
	})

	t.Run("same id in different sources", func(t *testing.T) {
		st := open(t)
		got, err := st.InsertNew(ctx, []ContentItem{item("a", "x", 0), item("b", "x", 0)})
		if err != nil {
			t.Fatalf("InsertNew: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("inserted=%d want 2", len(got))
		}
	})

	t.Run("pending order and limit", func(t *testing.T) {
		st := open(t)
		_, err := st.InsertNew(ctx, []ContentItem{
			item("s", "late", 3*time.Second),
			item("s", "first", 0),
			item("s", "second", 0),
			item("s", "mid", time.Second),
		})
		if err != nil {
			t.Fatalf("InsertNew: %v", err)
		}
		got, err := st.PendingItems(ctx, "s", 3)
		if err != nil {
			t.Fatalf("PendingItems: %v", err)
		}
		want := []string{"first", "second", "mid"}
		if len(got) != len(want) {
			t.Fatalf("pending=%d want %d", len(got), len(want))
		}
		for i, w := range want {
			if got[i].SourceID != w {
				t.Fatalf("pending[%d]=%s want %s", i, got[i].SourceID, w)
			}
		}
		if got[0].Payload.Caption != "clip first" {
			t.Fatalf("payload caption=%q", got[0].Payload.Caption)
		}
		if !got[0].DiscoveredAt.Equal(base) {
			t.Fatalf("discovered_at=%v want %v", got[0].DiscoveredAt, base)
		}
	})

	t.Run("delivery transitions", func(t *testing.T) {
		st := open(t)
		ins, err := st.InsertNew(ctx, []ContentItem{item("s", "1", 0), item("s", "2", 1)})
		if err != nil || len(ins) != 2 {
			t.Fatalf("InsertNew: %v (%d)", err, len(ins))
		}
		a, b := ins[0].Ref, ins[1].Ref

		rec, err := st.Record(ctx, a)
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if rec.Status != StatusPending || rec.Attempts != 0 {
			t.Fatalf("fresh record=%+v", rec)
		}

		if err := st.MarkFailed(ctx, a, false, "timeout"); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
		rec, _ = st.Record(ctx, a)
		if rec.Status != StatusPending || rec.Attempts != 1 || rec.LastError != "timeout" || rec.LastAttemptAt == nil {
			t.Fatalf("after transient failure=%+v", rec)
		}

		if err := st.MarkDelivered(ctx, a); err != nil {
			t.Fatalf("MarkDelivered: %v", err)
		}
		if err := st.MarkDelivered(ctx, a); err != nil {
			t.Fatalf("MarkDelivered twice: %v", err)
		}
		rec, _ = st.Record(ctx, a)
		if rec.Status != StatusDelivered || rec.Attempts != 2 || rec.DeliveredAt == nil {
			t.Fatalf("after delivery=%+v", rec)
		}
		if err := st.MarkFailed(ctx, a, true, "late"); err != nil {
			t.Fatalf("MarkFailed on delivered: %v", err)
		}
		rec, _ = st.Record(ctx, a)
		if rec.Status != StatusDelivered {
			t.Fatalf("delivered record changed: %+v", rec)
		}

		if err := st.MarkFailed(ctx, b, true, "bad request"); err != nil {
			t.Fatalf("MarkFailed permanent: %v", err)
		}
		if err := st.MarkDelivered(ctx, b); !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("MarkDelivered on failed_permanent err=%v", err)
		}
		rec, _ = st.Record(ctx, b)
		if rec.Status != StatusFailedPermanent || rec.Attempts != 1 {
			t.Fatalf("failed record=%+v", rec)
		}

		pending, _ := st.PendingItems(ctx, "s", 0)
		if len(pending) != 0 {
			t.Fatalf("pending=%v want none", pending)
		}
	})

	t.Run("unknown ref", func(t *testing.T) {
		st := open(t)
		if err := st.MarkDelivered(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("MarkDelivered err=%v", err)
		}
		if err := st.MarkFailed(ctx, "nope", false, "x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("MarkFailed err=%v", err)
		}
		if _, err := st.Record(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Record err=%v", err)
		}
	})

	t.Run("concurrent insert of one item", func(t *testing.T) {
		st := open(t)
		const workers = 8
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			wins  int
			first error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				got, err := st.InsertNew(ctx, []ContentItem{item("s", "dup", time.Duration(i))})
				mu.Lock()
				defer mu.Unlock()
				if err != nil && first == nil {
					first = fmt.Errorf("worker %d: %w", i, err)
				}
				wins += len(got)
			}(i)
		}
		wg.Wait()
		if first != nil {
			t.Fatal(first)
		}
		if wins != 1 {
			t.Fatalf("inserted by %d workers, want 1", wins)
		}
	})
}

func TestStatusTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     Status
		ok       bool
	}{
		{StatusPending, StatusPending, StatusPending, true},
		{StatusPending, StatusDelivered, StatusDelivered, true},
		{StatusPending, StatusFailedPermanent, StatusFailedPermanent, true},
		{StatusDelivered, StatusDelivered, StatusDelivered, true},
		{StatusDelivered, StatusPending, StatusDelivered, false},
		{StatusDelivered, StatusFailedPermanent, StatusDelivered, false},
		{StatusFailedPermanent, StatusDelivered, StatusFailedPermanent, false},
		{StatusFailedPermanent, StatusPending, StatusFailedPermanent, false},
	}
	for _, tc := range cases {
		got, err := tc.from.Transition(tc.to)
		if (err == nil) != tc.ok {
			t.Fatalf("%s -> %s err=%v", tc.from, tc.to, err)
		}
		if got != tc.want {
			t.Fatalf("%s -> %s = %s want %s", tc.from, tc.to, got, tc.want)
		}
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("%s -> %s err=%v not ErrIllegalTransition", tc.from, tc.to, err)
		}
	}
}

func TestParseStatusRoundTrip(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusDelivered, StatusFailedPermanent} {
		got, err := ParseStatus(s.String())
		if err != nil || got != s {
			t.Fatalf("ParseStatus(%q)=%v,%v", s.String(), got, err)
		}
	}
	if _, err := ParseStatus("queued"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
