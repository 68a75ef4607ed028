package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/xiaot623/botchat/internal/domain"
)

// SQLiteStore implements Store using SQLite.
//
// Appends run inside one transaction that bumps the session's next_seq
// counter, so two writers can never hand out the same seq. The transaction
// only takes the write lock up front when dsn sets _txlock=immediate, as the
// default DATABASE_URL does; otherwise SQLite upgrades it on the first write.
// Busy or locked errors are retried either way.
type SQLiteStore struct {
	db    *sql.DB
	locks *keyedMutex
	opts  options
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewSQLiteStore opens dsn and runs migrations.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &SQLiteStore{db: db, locks: newKeyedMutex(), opts: applyOptions(opts)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			next_seq INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			rating INTEGER,
			feedback TEXT,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_role_created ON messages(role, created_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return s.ensureColumn("messages", "feedback", "ALTER TABLE messages ADD COLUMN feedback TEXT")
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msgs []domain.Message) (*domain.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrValidation)
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	now := time.Now().UTC()
	msgs = domain.PrepareMessages(msgs, now)

	var out *domain.Session
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (session_id, created_at, updated_at, next_seq) VALUES (?, ?, ?, 0)
			 ON CONFLICT(session_id) DO NOTHING`,
			sessionID, now.UnixNano(), now.UnixNano()); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		var next int64
		if err := tx.QueryRowContext(ctx,
			`UPDATE sessions SET next_seq = next_seq + ?, updated_at = ? WHERE session_id = ? RETURNING next_seq`,
			len(msgs), now.UnixNano(), sessionID).Scan(&next); err != nil {
			return fmt.Errorf("failed to reserve seq: %w", err)
		}

		base := next - int64(len(msgs))
		for i, m := range msgs {
			meta, err := json.Marshal(m.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (session_id, seq, role, text, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
				sessionID, base+int64(i), string(m.Role), m.Text, string(meta), m.CreatedAt.UnixNano()); err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}
		}

		sess, err := loadSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Rate implements Store.
func (s *SQLiteStore) Rate(ctx context.Context, sessionID string, seq int64, rating int, feedback *string) error {
	if !validRating(rating) {
		return fmt.Errorf("%w: rating must be 0 or 1", domain.ErrValidation)
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	var fb sql.NullString
	if feedback != nil {
		fb = sql.NullString{String: *feedback, Valid: true}
	}

	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET rating = ?, feedback = COALESCE(?, feedback) WHERE session_id = ? AND seq = ?`,
			rating, fb, sessionID, seq)
		if err != nil {
			return fmt.Errorf("failed to rate message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("message %s/%d: %w", sessionID, seq, domain.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE session_id = ?`,
			time.Now().UTC().UnixNano(), sessionID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// FindBySession implements Store.
func (s *SQLiteStore) FindBySession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := loadSession(ctx, s.db, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return sess, err
}

// FindAll implements Store.
func (s *SQLiteStore) FindAll(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, int, error) {
	page := filter.Page.Normalize()
	where := ""
	var args []any
	if q := strings.TrimSpace(filter.Query); q != "" {
		where = ` WHERE EXISTS (SELECT 1 FROM messages m WHERE m.session_id = s.session_id AND m.text LIKE ? ESCAPE '\')`
		args = append(args, "%"+escapeLike(q)+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions s`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id FROM sessions s`+where+` ORDER BY s.updated_at DESC, s.session_id LIMIT ? OFFSET ?`,
		append(args, page.PageSize, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	// Release the connection before loading messages; in-memory databases
	// only have one.
	rows.Close()

	items := make([]domain.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := loadSession(ctx, s.db, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *sess)
	}
	return items, total, nil
}

// ScanMessages implements Store. Filters are pushed down into SQL.
func (s *SQLiteStore) ScanMessages(ctx context.Context, q domain.MessageScan, fn func(domain.SessionInfo, domain.Message) error) error {
	query := `SELECT m.session_id, s.updated_at, m.seq, m.role, m.text, m.metadata, m.created_at, m.rating, m.feedback
		FROM messages m JOIN sessions s ON s.session_id = m.session_id WHERE 1=1`
	var args []any
	if q.Role != "" {
		query += ` AND m.role = ?`
		args = append(args, string(q.Role))
	}
	if q.RatedOnly {
		query += ` AND m.rating IS NOT NULL`
	}
	if q.Rating != nil {
		query += ` AND m.rating = ?`
		args = append(args, *q.Rating)
	}
	if q.SessionID != "" {
		query += ` AND m.session_id = ?`
		args = append(args, q.SessionID)
	}
	if q.Range.From != nil {
		query += ` AND m.created_at >= ?`
		args = append(args, q.Range.From.UnixNano())
	}
	if q.Range.To != nil {
		query += ` AND m.created_at <= ?`
		args = append(args, q.Range.To.UnixNano())
	}
	query += ` ORDER BY s.updated_at DESC, m.session_id, m.seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to scan messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sessionID string
		var updatedAt int64
		m, err := scanMessage(rows, &sessionID, &updatedAt)
		if err != nil {
			return err
		}
		if err := fn(domain.SessionInfo{SessionID: sessionID, UpdatedAt: time.Unix(0, updatedAt).UTC()}, m); err != nil {
			return err
		}
	}
	return rows.Err()
}

func loadSession(ctx context.Context, q querier, sessionID string) (*domain.Session, error) {
	var created, updated int64
	err := q.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM sessions WHERE session_id = ?`, sessionID).Scan(&created, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess := &domain.Session{
		SessionID: sessionID,
		Messages:  []domain.Message{},
		CreatedAt: time.Unix(0, created).UTC(),
		UpdatedAt: time.Unix(0, updated).UTC(),
	}

	rows, err := q.QueryContext(ctx,
		`SELECT session_id, 0, seq, role, text, metadata, created_at, rating, feedback
		 FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var ignored int64
		m, err := scanMessage(rows, &id, &ignored)
		if err != nil {
			return nil, err
		}
		sess.Messages = append(sess.Messages, m)
	}
	return sess, rows.Err()
}

func scanMessage(rows *sql.Rows, sessionID *string, updatedAt *int64) (domain.Message, error) {
	var m domain.Message
	var role string
	var meta, feedback sql.NullString
	var created int64
	var rating sql.NullInt64
	if err := rows.Scan(sessionID, updatedAt, &m.Seq, &role, &m.Text, &meta, &created, &rating, &feedback); err != nil {
		return m, err
	}
	m.Role = domain.Role(role)
	m.CreatedAt = time.Unix(0, created).UTC()
	m.Metadata = map[string]any{}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
			return m, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if rating.Valid {
		r := int(rating.Int64)
		m.Rating = &r
	}
	if feedback.Valid {
		f := feedback.String
		m.Feedback = &f
	}
	return m, nil
}

// withRetry reruns fn while SQLite reports the database as busy or locked.
func (s *SQLiteStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.opts.maxRetries; attempt++ {
		if err = fn(); !isBusy(err) {
			return err
		}
		s.opts.metrics.AppendRetried()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.backoff * time.Duration(attempt+1)):
		}
	}
	return err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var _ Store = (*SQLiteStore)(nil)
