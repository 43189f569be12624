package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"voicecall-platform/pkg/utils"

	"github.com/google/uuid"
)

// PostgresStore persists records in voice_calls through database/sql (pgx stdlib driver).
// Row subscriptions are served by a Feed listening on ChangeChannel.
type PostgresStore struct {
	db    *sql.DB
	feed  *Feed
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB, feed *Feed) *PostgresStore {
	return &PostgresStore{db: db, feed: feed, clock: time.Now}
}

const selectRecord = `SELECT id, chat_id, caller_id, caller_type, receiver_id, status,
	started_at, ended_at, duration_seconds, created_at, updated_at
	FROM voice_calls`

func (s *PostgresStore) Create(ctx context.Context, rec NewRecord) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO voice_calls (id, chat_id, caller_id, caller_type, receiver_id, status, duration_seconds, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)`,
		id, rec.ChatID, rec.CallerID, rec.CallerType, rec.ReceiverID, string(StatusRinging), now,
	)
	if err != nil {
		return "", fmt.Errorf("insert voice call: %w", err)
	}
	return id, nil
}

// Update applies p under a row lock so concurrent terminal writes from both
// legs serialize and a terminal row is never resurrected.
func (s *PostgresStore) Update(ctx context.Context, id string, p Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock voice call: %w", err)
		}

		next, err := cur.apply(p, s.clock().UTC())
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE voice_calls
			 SET status = $2, started_at = $3, ended_at = $4, duration_seconds = $5, updated_at = $6
			 WHERE id = $1`,
			id, string(next.Status), nullTime(next.StartedAt), nullTime(next.EndedAt), next.DurationSeconds, next.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update voice call: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) SubscribeRow(ctx context.Context, id string, fn func(Record)) (func(), error) {
	if s.feed == nil {
		return nil, errors.New("calls: change feed not configured")
	}
	return s.feed.Subscribe(id, fn), nil
}

func (s *PostgresStore) ListForParticipant(ctx context.Context, userID string, from, to time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		selectRecord+` WHERE (caller_id = $1 OR receiver_id = $1) AND created_at >= $2 AND created_at < $3
		ORDER BY created_at`,
		userID, from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list voice calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r              Record
		status         string
		started, ended sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ChatID, &r.CallerID, &r.CallerType, &r.ReceiverID, &status,
		&started, &ended, &r.DurationSeconds, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	if started.Valid {
		t := started.Time.UTC()
		r.StartedAt = &t
	}
	if ended.Valid {
		t := ended.Time.UTC()
		r.EndedAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
