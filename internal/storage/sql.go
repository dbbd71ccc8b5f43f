package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	logx "ttbot/pkg/logx"
)

// sqlStore implements Store over any sqlx database using the shared schema.
// Queries are written with ? placeholders and rebound per driver.
type sqlStore struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

type itemRow struct {
	Ref          string `db:"ref"`
	SourceName   string `db:"source_name"`
	SourceID     string `db:"source_id"`
	DiscoveredAt int64  `db:"discovered_at"`
	Payload      []byte `db:"payload"`
}

type recordRow struct {
	ItemRef       string         `db:"item_ref"`
	Status        string         `db:"status"`
	Attempts      int            `db:"attempts"`
	LastAttemptAt sql.NullInt64  `db:"last_attempt_at"`
	DeliveredAt   sql.NullInt64  `db:"delivered_at"`
	LastError     sql.NullString `db:"last_error"`
}

func newSQLStore(db *sqlx.DB, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, log: log, now: time.Now}
}

func (s *sqlStore) q(query string) string { return s.db.Rebind(query) }

func (s *sqlStore) KnownIDs(ctx context.Context, source string) (map[string]struct{}, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		s.q(`SELECT source_id FROM content_items WHERE source_name = ?`), source)
	if err != nil {
		return nil, fmt.Errorf("known ids: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *sqlStore) InsertNew(ctx context.Context, items []ContentItem) ([]ContentItem, error) {
	var inserted []ContentItem
	for _, it := range items {
		if strings.TrimSpace(it.SourceName) == "" || strings.TrimSpace(it.SourceID) == "" {
			continue
		}
		if it.Ref == "" {
			it.Ref = uuid.NewString()
		}
		if it.DiscoveredAt.IsZero() {
			it.DiscoveredAt = s.now()
		}
		ok, err := s.insertOne(ctx, it)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted = append(inserted, it)
		}
	}
	return inserted, nil
}

// insertOne writes the item and its pending record in one transaction.
// It reports false when (source_name, source_id) already exists.
func (s *sqlStore) insertOne(ctx context.Context, it ContentItem) (bool, error) {
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO content_items (ref, source_name, source_id, discovered_at, payload)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (source_name, source_id) DO NOTHING`),
		it.Ref, it.SourceName, it.SourceID, it.DiscoveredAt.UnixNano(), string(payload),
	)
	if err != nil {
		return false, fmt.Errorf("insert item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert item rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO delivery_records (item_ref, status, attempts) VALUES (?, ?, 0)`),
		it.Ref, StatusPending.String(),
	); err != nil {
		return false, fmt.Errorf("insert record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit insert: %w", err)
	}
	return true, nil
}

func (s *sqlStore) MarkDelivered(ctx context.Context, ref string) error {
	at := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE delivery_records
		 SET status = ?, attempts = attempts + 1, last_attempt_at = ?, delivered_at = ?, last_error = NULL
		 WHERE item_ref = ? AND status = ?`),
		StatusDelivered.String(), at, at, ref, StatusPending.String(),
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark delivered rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	cur, err := s.status(ctx, ref)
	if err != nil {
		return err
	}
	if cur == StatusDelivered {
		return nil
	}
	_, err = cur.Transition(StatusDelivered)
	return err
}

func (s *sqlStore) MarkFailed(ctx context.Context, ref string, permanent bool, reason string) error {
	next := StatusPending
	if permanent {
		next = StatusFailedPermanent
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE delivery_records
		 SET status = ?, attempts = attempts + 1, last_attempt_at = ?, last_error = ?
		 WHERE item_ref = ? AND status = ?`),
		next.String(), s.now().UnixNano(), reason, ref, StatusPending.String(),
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark failed rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	// terminal records are left untouched
	_, err = s.status(ctx, ref)
	return err
}

func (s *sqlStore) status(ctx context.Context, ref string) (Status, error) {
	var v string
	err := s.db.GetContext(ctx, &v, s.q(`SELECT status FROM delivery_records WHERE item_ref = ?`), ref)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read status: %w", err)
	}
	return ParseStatus(v)
}

func (s *sqlStore) PendingItems(ctx context.Context, source string, limit int) ([]ContentItem, error) {
	query := `SELECT c.ref, c.source_name, c.source_id, c.discovered_at, c.payload
		FROM content_items c
		JOIN delivery_records d ON d.item_ref = c.ref
		WHERE c.source_name = ? AND d.status = ?
		ORDER BY c.discovered_at, c.id`
	args := []any{source, StatusPending.String()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("pending items: %w", err)
	}
	out := make([]ContentItem, 0, len(rows))
	for _, r := range rows {
		it := ContentItem{
			Ref:          r.Ref,
			SourceName:   r.SourceName,
			SourceID:     r.SourceID,
			DiscoveredAt: time.Unix(0, r.DiscoveredAt),
		}
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &it.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s: %w", r.Ref, err)
			}
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *sqlStore) Record(ctx context.Context, ref string) (DeliveryRecord, error) {
	var r recordRow
	err := s.db.GetContext(ctx, &r, s.q(
		`SELECT item_ref, status, attempts, last_attempt_at, delivered_at, last_error
		 FROM delivery_records WHERE item_ref = ?`), ref)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryRecord{}, ErrNotFound
	}
	if err != nil {
		return DeliveryRecord{}, fmt.Errorf("read record: %w", err)
	}
	st, err := ParseStatus(r.Status)
	if err != nil {
		return DeliveryRecord{}, err
	}
	rec := DeliveryRecord{
		ItemRef:       r.ItemRef,
		Status:        st,
		Attempts:      r.Attempts,
		LastAttemptAt: nanosPtr(r.LastAttemptAt),
		DeliveredAt:   nanosPtr(r.DeliveredAt),
		LastError:     r.LastError.String,
	}
	return rec, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) migrate(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func nanosPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
