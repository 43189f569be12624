package calls

import (
	"context"
	"database/sql"
	"fmt"
)

// ChangeChannel is the NOTIFY channel carrying row_to_json(voice_calls) payloads.
const ChangeChannel = "voice_calls_changes"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS voice_calls (
		id               TEXT PRIMARY KEY,
		chat_id          TEXT NOT NULL DEFAULT '',
		caller_id        TEXT NOT NULL,
		caller_type      TEXT NOT NULL,
		receiver_id      TEXT NOT NULL,
		status           TEXT NOT NULL CHECK (status IN ('ringing','ongoing','ended','declined','missed')),
		started_at       TIMESTAMPTZ,
		ended_at         TIMESTAMPTZ,
		duration_seconds INTEGER NOT NULL DEFAULT 0 CHECK (duration_seconds >= 0),
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS voice_calls_caller_created_idx ON voice_calls (caller_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS voice_calls_receiver_created_idx ON voice_calls (receiver_id, created_at)`,
	`CREATE OR REPLACE FUNCTION voice_calls_notify() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + ChangeChannel + `', row_to_json(NEW)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS voice_calls_notify ON voice_calls`,
	`CREATE TRIGGER voice_calls_notify AFTER INSERT OR UPDATE ON voice_calls
		FOR EACH ROW EXECUTE FUNCTION voice_calls_notify()`,
}

// EnsureSchema creates the voice_calls table and its change trigger.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("calls schema step %d: %w", i, err)
		}
	}
	return nil
}
