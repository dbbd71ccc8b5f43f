package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound reports a reference to an item the store does not have.
	ErrNotFound = errors.New("storage: item not found")
	// ErrIllegalTransition reports an attempt to move a delivery record backwards
	// or between terminal states.
	ErrIllegalTransition = errors.New("storage: illegal status transition")
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("storage: closed")
)

// Store is the Item Store contract.
//
// All methods are safe for concurrent use. InsertNew is atomic per item with
// respect to the (source_name, source_id) uniqueness invariant.
type Store interface {
	// KnownIDs returns every source_id recorded for source.
	KnownIDs(ctx context.Context, source string) (map[string]struct{}, error)
	// InsertNew stores each item with a fresh pending delivery record and
	// returns only the items actually inserted. Existing items are skipped.
	InsertNew(ctx context.Context, items []ContentItem) ([]ContentItem, error)
	// MarkDelivered moves a pending record to delivered. It is a no-op for a
	// record that is already delivered.
	MarkDelivered(ctx context.Context, ref string) error
	// MarkFailed counts a failed attempt and, if permanent, moves the record
	// to failed_permanent. It is a no-op for terminal records.
	MarkFailed(ctx context.Context, ref string, permanent bool, reason string) error
	// PendingItems returns up to limit pending items of source, oldest
	// discovered_at first.
	PendingItems(ctx context.Context, source string, limit int) ([]ContentItem, error)
	// Record returns the delivery record of ref.
	Record(ctx context.Context, ref string) (DeliveryRecord, error)
	Close() error
}

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite", "postgres".
type Config struct {
	Driver string
	// Path is the database file (sqlite) or file prefix (file).
	Path string
	// DSN is the postgres connection string.
	DSN string

	BusyTimeout     time.Duration // sqlite only; 0 means default
	MaxOpenConns    int           // postgres only
	MaxIdleConns    int           // postgres only
	ConnMaxLifetime time.Duration // postgres only
}

// Status is the delivery state of a content item. The zero value is invalid.
type Status uint8

const (
	StatusPending Status = iota + 1
	StatusDelivered
	StatusFailedPermanent
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusFailedPermanent:
		return "failed_permanent"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus is the inverse of String.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "pending":
		return StatusPending, nil
	case "delivered":
		return StatusDelivered, nil
	case "failed_permanent":
		return StatusFailedPermanent, nil
	default:
		return 0, fmt.Errorf("storage: unknown status %q", v)
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailedPermanent
}

// Transition returns the state after moving from s to to.
// Only pending -> delivered and pending -> failed_permanent change state;
// staying in the same state is allowed, everything else is rejected.
func (s Status) Transition(to Status) (Status, error) {
	if s == to {
		return s, nil
	}
	if s == StatusPending && to.Terminal() {
		return to, nil
	}
	return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, to)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Payload is the data needed to render a delivery message.
// The store treats it as an opaque JSON document.
type Payload struct {
	URL          string     `json:"url,omitempty"`
	Caption      string     `json:"caption,omitempty"`
	MediaURL     string     `json:"media_url,omitempty"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty"`
	Author       string     `json:"author,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
}

// ContentItem is a discovered unit of content.
// (SourceName, SourceID) is globally unique. Ref is assigned on insert.
type ContentItem struct {
	Ref          string    `json:"ref"`
	SourceName   string    `json:"source_name"`
	SourceID     string    `json:"source_id"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Payload      Payload   `json:"payload"`
}

// DeliveryRecord is the outcome of delivering one ContentItem.
type DeliveryRecord struct {
	ItemRef       string     `json:"item_ref"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}
