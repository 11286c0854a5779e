package thread

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is the production Store backed by PostgreSQL. Sequence
// assignment happens inside the insert transaction so per-thread order is
// authoritative regardless of how many gateway instances write concurrently.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("thread: load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("thread: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("thread: migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("thread: migrate up: %w", err)
	}
	return nil
}

// CreateThread inserts a thread. Direct-thread participant pairs are stored
// sorted and guarded by a partial unique index, so two concurrent creates of
// the same pair always resolve to one row.
func (s *PostgresStore) CreateThread(ctx context.Context, nt NewThread) (*Thread, error) {
	participants := dedupe(nt.Participants)

	switch nt.Type {
	case TypeDirect:
		if len(participants) != 2 {
			return nil, ErrBadParticipants
		}
		sort.Strings(participants)
	case TypeGroup:
		if len(participants) < 2 {
			return nil, ErrBadParticipants
		}
	default:
		return nil, ErrBadParticipants
	}

	const findDirect = `
		SELECT id, name, thread_type, participants, created_by, created_at, last_message_at
		FROM chat_threads
		WHERE thread_type = 'direct' AND participants = $1`

	if nt.Type == TypeDirect {
		existing, err := scanThread(s.db.QueryRowContext(ctx, findDirect, pq.Array(participants)))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("thread: find direct: %w", err)
		}
	}

	const insert = `
		INSERT INTO chat_threads (id, name, thread_type, participants, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, name, thread_type, participants, created_by, created_at, last_message_at`

	t, err := scanThread(s.db.QueryRowContext(ctx, insert,
		uuid.New().String(), nt.Name, nt.Type, pq.Array(participants), nt.CreatedBy))
	if err != nil {
		// A concurrent create of the same direct pair lost the insert race;
		// the winner's row is the thread.
		var pqErr *pq.Error
		if nt.Type == TypeDirect && errors.As(err, &pqErr) && pqErr.Code == "23505" {
			existing, ferr := scanThread(s.db.QueryRowContext(ctx, findDirect, pq.Array(participants)))
			if ferr != nil {
				return nil, fmt.Errorf("thread: find direct after conflict: %w", ferr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("thread: insert: %w", err)
	}
	return t, nil
}

// GetThread returns a thread by id.
func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	const query = `
		SELECT id, name, thread_type, participants, created_by, created_at, last_message_at
		FROM chat_threads WHERE id = $1`

	t, err := scanThread(s.db.QueryRowContext(ctx, query, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("thread: get: %w", err)
	}
	return t, nil
}

// IsParticipant reports whether the user belongs to the thread.
func (s *PostgresStore) IsParticipant(ctx context.Context, userID, threadID string) (bool, error) {
	const query = `SELECT $1 = ANY(participants) FROM chat_threads WHERE id = $2`

	var ok bool
	err := s.db.QueryRowContext(ctx, query, userID, threadID).Scan(&ok)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("thread: is participant: %w", err)
	}
	return ok, nil
}

// Participants lists the thread's participant user ids.
func (s *PostgresStore) Participants(ctx context.Context, threadID string) ([]string, error) {
	const query = `SELECT participants FROM chat_threads WHERE id = $1`

	var participants []string
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(pq.Array(&participants))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("thread: participants: %w", err)
	}
	return participants, nil
}

// AppendMessage persists a message inside a transaction that claims the next
// per-thread sequence number and validates any reply reference.
func (s *PostgresStore) AppendMessage(ctx context.Context, nm NewMessage) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("thread: begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`UPDATE chat_threads SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq`,
		nm.ThreadID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("thread: next seq: %w", err)
	}

	if nm.ReplyToID != "" {
		var inThread bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM chat_messages WHERE id = $1 AND thread_id = $2)`,
			nm.ReplyToID, nm.ThreadID).Scan(&inThread)
		if err != nil {
			return nil, fmt.Errorf("thread: check reply: %w", err)
		}
		if !inThread {
			return nil, ErrBadReply
		}
	}

	m := &Message{
		ID:          uuid.New().String(),
		ThreadID:    nm.ThreadID,
		SenderID:    nm.SenderID,
		Content:     nm.Content,
		ContentType: nm.ContentType,
		ReplyToID:   nm.ReplyToID,
		Seq:         seq,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, thread_id, sender_id, content, content_type, reply_to_id, seq)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		RETURNING created_at`,
		m.ID, m.ThreadID, m.SenderID, m.Content, m.ContentType, m.ReplyToID, m.Seq,
	).Scan(&m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("thread: insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("thread: commit: %w", err)
	}
	return m, nil
}

// GetMessage returns a single message from a thread.
func (s *PostgresStore) GetMessage(ctx context.Context, threadID, messageID string) (*Message, error) {
	const query = `
		SELECT id, thread_id, sender_id, content, content_type, COALESCE(reply_to_id::text, ''), seq, created_at
		FROM chat_messages WHERE id = $1 AND thread_id = $2`

	var m Message
	err := s.db.QueryRowContext(ctx, query, messageID, threadID).Scan(
		&m.ID, &m.ThreadID, &m.SenderID, &m.Content, &m.ContentType, &m.ReplyToID, &m.Seq, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("thread: get message: %w", err)
	}
	return &m, nil
}

// RecentMessages returns up to limit most recent messages in ascending
// sequence order.
func (s *PostgresStore) RecentMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	const query = `
		SELECT id, thread_id, sender_id, content, content_type, COALESCE(reply_to_id::text, ''), seq, created_at
		FROM (
			SELECT * FROM chat_messages WHERE thread_id = $1 ORDER BY seq DESC LIMIT $2
		) recent
		ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("thread: recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Content, &m.ContentType,
			&m.ReplyToID, &m.Seq, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("thread: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread: recent messages rows: %w", err)
	}
	return out, nil
}

// MarkRead upserts the read state; the first read timestamp wins.
func (s *PostgresStore) MarkRead(ctx context.Context, threadID, messageID, userID string) (time.Time, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_messages WHERE id = $1 AND thread_id = $2)`,
		messageID, threadID).Scan(&exists)
	if err != nil {
		return time.Time{}, fmt.Errorf("thread: mark read check: %w", err)
	}
	if !exists {
		return time.Time{}, ErrNotFound
	}

	const upsert = `
		INSERT INTO message_reads (message_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id, user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING read_at`

	var readAt time.Time
	if err := s.db.QueryRowContext(ctx, upsert, messageID, userID).Scan(&readAt); err != nil {
		return time.Time{}, fmt.Errorf("thread: mark read: %w", err)
	}
	return readAt, nil
}

// TouchActivity updates the thread's last-activity timestamp, never moving
// it backwards.
func (s *PostgresStore) TouchActivity(ctx context.Context, threadID string, at time.Time) error {
	const query = `
		UPDATE chat_threads SET last_message_at = GREATEST(last_message_at, $2) WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, threadID, at)
	if err != nil {
		return fmt.Errorf("thread: touch activity: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanThread(row *sql.Row) (*Thread, error) {
	var t Thread
	var name sql.NullString
	err := row.Scan(&t.ID, &name, &t.Type, pq.Array(&t.Participants),
		&t.CreatedBy, &t.CreatedAt, &t.LastMessageAt)
	if err != nil {
		return nil, err
	}
	t.Name = name.String
	return &t, nil
}
