package store

import (
	"context"
	"time"
)

// Entry is one audited request. It never holds credentials, message
// identifiers or message content.
type Entry struct {
	RequestID  string    `db:"request_id"`
	ReceivedAt time.Time `db:"received_at"`
	RemoteAddr string    `db:"remote_addr"`
	Method     string    `db:"method"`
	Outcome    string    `db:"outcome"`
	Status     int       `db:"status"`
	Items      int       `db:"items"`
	DurationMS int64     `db:"duration_ms"`
}

// Store defines the persistence interface for the request audit log.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Nop is a Store that keeps nothing. It is used when auditing is disabled.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error             { return nil }
func (Nop) Recent(context.Context, int) ([]Entry, error)    { return nil, nil }
func (Nop) Prune(context.Context, time.Time) (int64, error) { return 0, nil }
func (Nop) Close() error                                    { return nil }
