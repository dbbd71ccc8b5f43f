package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "ttbot/pkg/logx"
)

// The file driver is the memory store plus two files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only mutation journal)
//
// On open the snapshot is loaded and the journal replayed on top of it.
// The journal is compacted into the snapshot every compactEvery writes and on Close.
const compactEvery = 1000

const (
	opInsert    = "insert"
	opDelivered = "delivered"
	opFailed    = "failed"
)

type journalOp struct {
	Op        string       `json:"op"`
	Item      *ContentItem `json:"item,omitempty"`
	Ref       string       `json:"ref,omitempty"`
	Permanent bool         `json:"permanent,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	At        int64        `json:"at,omitempty"` // unix nano
}

type snapshot struct {
	Seq     uint64          `json:"seq"`
	Entries []snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	Seq    uint64         `json:"seq"`
	Item   ContentItem    `json:"item"`
	Record DeliveryRecord `json:"record"`
}

type journal struct {
	f        *os.File
	snapPath string
	writes   int
	log      logx.Logger
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	s := newMemStore()
	if err := loadSnapshot(snapPath, s); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	replayed, valid, err := replayJournal(journalPath, s)
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	// drop a torn trailing line so the next op starts on a fresh line
	if fi, err := jf.Stat(); err == nil && fi.Size() > valid {
		log.Warn("truncating torn journal tail", logx.Int64("size", fi.Size()), logx.Int64("valid", valid))
		if err := jf.Truncate(valid); err != nil {
			_ = jf.Close()
			return nil, fmt.Errorf("truncate journal: %w", err)
		}
	}
	s.j = &journal{f: jf, snapPath: snapPath, writes: replayed, log: log}
	log.Debug("file store opened",
		logx.String("prefix", prefix),
		logx.Int("items", len(s.entries)),
		logx.Int("journal_ops", replayed),
	)
	return s, nil
}

func (j *journal) append(op journalOp) error {
	if j.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(j.f).Encode(op); err != nil {
		return err
	}
	j.writes++
	return nil
}

func (j *journal) due() bool { return j.writes >= compactEvery }

func (j *journal) compact(snap snapshot) error {
	if j.f == nil {
		return nil
	}
	tmp := j.snapPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.snapPath); err != nil {
		return err
	}
	if err := j.f.Truncate(0); err != nil {
		j.log.Warn("journal truncate failed", logx.Err(err))
		return err
	}
	if _, err := j.f.Seek(0, 2); err != nil {
		return err
	}
	j.writes = 0
	return nil
}

func (j *journal) close() error {
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// snapshotLocked captures the full state. Callers hold mu.
func (s *memStore) snapshotLocked() snapshot {
	snap := snapshot{Seq: s.seq, Entries: make([]snapshotEntry, 0, len(s.entries))}
	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, snapshotEntry{Seq: e.seq, Item: e.item, Record: e.rec})
	}
	return snap
}

func loadSnapshot(path string, s *memStore) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, se := range snap.Entries {
		se := se
		s.entries[se.Item.Ref] = &memEntry{item: se.Item, rec: se.Record, seq: se.Seq}
		ids := s.bySource[se.Item.SourceName]
		if ids == nil {
			ids = map[string]string{}
			s.bySource[se.Item.SourceName] = ids
		}
		ids[se.Item.SourceID] = se.Item.Ref
	}
	s.seq = snap.Seq
	return nil
}

// replayJournal applies journaled ops in order and returns the number of ops
// applied and the length of the journal up to its last complete line. A torn
// trailing line from an interrupted write is not applied.
func replayJournal(path string, s *memStore) (int, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	n := 0
	var valid int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return n, valid, nil
		}
		if err != nil {
			return n, valid, err
		}
		valid += int64(len(line))

		var op journalOp
		if err := json.Unmarshal(line, &op); err != nil {
			continue
		}
		at := time.Unix(0, op.At)
		switch op.Op {
		case opInsert:
			if op.Item != nil && op.Item.Ref != "" {
				s.applyInsert(*op.Item)
			}
		case opDelivered:
			s.applyDelivered(op.Ref, at)
		case opFailed:
			s.applyFailed(op.Ref, op.Permanent, op.Reason, at)
		default:
			continue
		}
		n++
	}
}
