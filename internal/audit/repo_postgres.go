package audit

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS call_audit_events (
		id            TEXT PRIMARY KEY,
		call_id       TEXT NOT NULL DEFAULT '',
		room_id       TEXT NOT NULL DEFAULT '',
		type          TEXT NOT NULL,
		actor_user_id TEXT NOT NULL DEFAULT '',
		actor_role    TEXT NOT NULL DEFAULT '',
		message       TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS call_audit_events_call_idx ON call_audit_events (call_id, created_at)`,
}

// PostgresRepo appends events to call_audit_events.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

// EnsureSchema creates the audit table.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit schema step %d: %w", i, err)
		}
	}
	return nil
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO call_audit_events (id, call_id, room_id, type, actor_user_id, actor_role, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.CallID, e.RoomID, string(e.Type), e.ActorUserID, e.ActorRole, e.Message, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
