package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	logx "ttbot/pkg/logx"
)

func logxNop() logx.Logger { return logx.Nop() }

func TestFileStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "items.db")}, logxNop())
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestFileStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "items.db")

	st, err := Open(Config{Driver: "file", Path: path}, logxNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ins, err := st.InsertNew(ctx, []ContentItem{
		{SourceName: "s", SourceID: "1", Payload: Payload{Caption: "one"}},
		{SourceName: "s", SourceID: "2"},
		{SourceName: "s", SourceID: "3"},
	})
	if err != nil || len(ins) != 3 {
		t.Fatalf("InsertNew: %v (%d)", err, len(ins))
	}
	if err := st.MarkDelivered(ctx, ins[0].Ref); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := st.MarkFailed(ctx, ins[1].Ref, true, "gone"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	// reopen without Close: state comes from the journal alone
	replayed, err := Open(Config{Driver: "file", Path: path}, logxNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	assertReopened(t, replayed, ins)
	_ = replayed.Close()
	_ = st.Close()

	// reopen after Close: state comes from the compacted snapshot
	if fi, err := os.Stat(filepath.Join(filepath.Dir(path), "items.journal.jsonl")); err != nil || fi.Size() != 0 {
		t.Fatalf("journal not compacted: %v size=%d", err, sizeOf(fi))
	}
	compacted, err := Open(Config{Driver: "file", Path: path}, logxNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer compacted.Close()
	assertReopened(t, compacted, ins)
}

func TestFileStoreTornJournalTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "items.db")
	journalPath := filepath.Join(dir, "items.journal.jsonl")
	// an interrupted write left half a record and no newline
	if err := os.WriteFile(journalPath, []byte(`{"op":"ins`), 0o600); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	st, err := Open(Config{Driver: "file", Path: path}, logxNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ins, err := st.InsertNew(ctx, []ContentItem{{SourceName: "s", SourceID: "A"}})
	if err != nil || len(ins) != 1 {
		t.Fatalf("InsertNew: %v (%d)", err, len(ins))
	}
	if err := st.MarkDelivered(ctx, ins[0].Ref); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	// reopen without Close so the journal is the only record
	replayed, err := Open(Config{Driver: "file", Path: path}, logxNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer replayed.Close()
	defer st.Close()

	ids, err := replayed.KnownIDs(ctx, "s")
	if _, ok := ids["A"]; err != nil || !ok {
		t.Fatalf("KnownIDs=%v err=%v", ids, err)
	}
	rec, err := replayed.Record(ctx, ins[0].Ref)
	if err != nil || rec.Status != StatusDelivered {
		t.Fatalf("record=%+v err=%v", rec, err)
	}
}

func assertReopened(t *testing.T, st Store, ins []ContentItem) {
	t.Helper()
	ctx := context.Background()
	ids, err := st.KnownIDs(ctx, "s")
	if err != nil || len(ids) != 3 {
		t.Fatalf("KnownIDs=%v err=%v", ids, err)
	}
	rec, err := st.Record(ctx, ins[0].Ref)
	if err != nil || rec.Status != StatusDelivered {
		t.Fatalf("record 1=%+v err=%v", rec, err)
	}
	rec, err = st.Record(ctx, ins[1].Ref)
	if err != nil || rec.Status != StatusFailedPermanent || rec.LastError != "gone" {
		t.Fatalf("record 2=%+v err=%v", rec, err)
	}
	pending, err := st.PendingItems(ctx, "s", 0)
	if err != nil || len(pending) != 1 || pending[0].Ref != ins[2].Ref {
		t.Fatalf("pending=%v err=%v", pending, err)
	}
	more, err := st.InsertNew(ctx, []ContentItem{{SourceName: "s", SourceID: "1"}})
	if err != nil || len(more) != 0 {
		t.Fatalf("re-insert of known id=%v err=%v", more, err)
	}
}

func sizeOf(fi os.FileInfo) int64 {
	if fi == nil {
		return -1
	}
	return fi.Size()
}
