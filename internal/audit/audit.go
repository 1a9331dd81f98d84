// Package audit records who did what to which entity. Audit writes are
// best-effort: callers log failures and continue, a lost audit entry never
// fails the business operation that produced it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Actor identifies the principal behind an operation.
type Actor struct {
	UserID    string
	UserName  string
	IPAddress string
	UserAgent string
}

// Entry is one audit record.
type Entry struct {
	Action     string // "import_completed", "exception_resolved", ...
	EntityType string // "boq", "boq_exception", ...
	EntityID   string
	OldValue   string
	NewValue   string
	ActorID    string
	ActorName  string
	IPAddress  string
	UserAgent  string
	Metadata   map[string]any
}

// Logger is the audit collaborator consumed by the import pipeline.
type Logger interface {
	LogAction(ctx context.Context, entry Entry) error
}

// Nop discards all entries. Used in tests and when auditing is disabled.
type Nop struct{}

func (Nop) LogAction(context.Context, Entry) error { return nil }

// PGLogger persists audit entries to the audit_log table.
type PGLogger struct {
	pool *pgxpool.Pool
}

// NewPGLogger creates an audit logger backed by a Postgres pool.
func NewPGLogger(pool *pgxpool.Pool) *PGLogger {
	return &PGLogger{pool: pool}
}

// LogAction inserts one audit row. The returned error is informational;
// callers must not propagate it into the business path.
func (l *PGLogger) LogAction(ctx context.Context, entry Entry) error {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}

	_, err := l.pool.Exec(ctx, `
		INSERT INTO audit_log
			(action, entity_type, entity_id, old_value, new_value,
			 actor_id, actor_name, ip_address, user_agent, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		entry.Action, entry.EntityType, entry.EntityID,
		nullable(entry.OldValue), nullable(entry.NewValue),
		nullable(entry.ActorID), nullable(entry.ActorName),
		nullable(entry.IPAddress), nullable(entry.UserAgent),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// nullable maps empty strings to NULL so the audit table stays sparse.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Recorder collects entries in memory. Test double for Logger.
type Recorder struct {
	Entries []Entry
	Err     error
}

func (r *Recorder) LogAction(_ context.Context, entry Entry) error {
	if r.Err != nil {
		return r.Err
	}
	r.Entries = append(r.Entries, entry)
	return nil
}
