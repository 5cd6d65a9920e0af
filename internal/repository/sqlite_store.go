package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"convo-bridge/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps one row per conversation in an embedded SQLite database.
// Unlike FileStore each mutation touches only its own row.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies
// pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("repository: open database: %w", err)
	}
	// SQLite is single-writer; one shared connection serializes callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("repository: set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) runMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	_ = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		var version int
		if _, err := fmt.Sscanf(e.Name(), "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", e.Name(), err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

const selectConversation = `
	SELECT conversation_id, session_id, state, created, expiry,
	       last_user_reply_time, last_ai_response_time, admin_id
	FROM conversations`

type rowScanner interface {
	Scan(dest ...any) error
}

// rowDecodeError marks a row that was read but holds values fromJSON rejects.
type rowDecodeError struct {
	id  string
	err error
}

func (e *rowDecodeError) Error() string { return fmt.Sprintf("record %q: %v", e.id, e.err) }

func (e *rowDecodeError) Unwrap() error { return e.err }

func scanConversation(row rowScanner) (domain.ConversationRecord, error) {
	var (
		id                                   string
		sessionID, created, lastUser, lastAI sql.NullString
		adminID                              sql.NullString
		state, expiry                        string
	)
	if err := row.Scan(&id, &sessionID, &state, &created, &expiry, &lastUser, &lastAI, &adminID); err != nil {
		return domain.ConversationRecord{}, err
	}
	rec, err := fromJSON(id, recordJSON{
		SessionID:          nullStringPtr(sessionID),
		Created:            created.String,
		Expiry:             expiry,
		State:              domain.State(state),
		LastUserReplyTime:  nullStringPtr(lastUser),
		LastAIResponseTime: nullStringPtr(lastAI),
		AdminID:            adminID.String,
	})
	if err != nil {
		return domain.ConversationRecord{}, &rowDecodeError{id: id, err: err}
	}
	return rec, nil
}

// Load reads every row. Rows that do not decode are skipped and reported in
// a *LoadError.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]domain.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectConversation)
	if err != nil {
		return nil, fmt.Errorf("repository: Load query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.ConversationRecord)
	skipped := make(map[string]error)
	for rows.Next() {
		rec, err := scanConversation(rows)
		var decodeErr *rowDecodeError
		if errors.As(err, &decodeErr) {
			skipped[decodeErr.id] = decodeErr.err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("repository: Load scan: %w", err)
		}
		out[rec.ConversationID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: Load rows: %w", err)
	}
	return loadResult(out, skipped)
}

// Get reads the row for one conversation.
func (s *SQLiteStore) Get(ctx context.Context, conversationID string) (domain.ConversationRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, selectConversation+" WHERE conversation_id = ?", conversationID)
	rec, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConversationRecord{}, false, nil
	}
	if err != nil {
		return domain.ConversationRecord{}, false, fmt.Errorf("repository: Get: %w", err)
	}
	return rec, true, nil
}

// Put upserts the row for rec.
func (s *SQLiteStore) Put(ctx context.Context, rec domain.ConversationRecord) error {
	if rec.ConversationID == "" {
		return errors.New("repository: Put: conversation id is required")
	}
	j := toJSON(rec)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (
			conversation_id, session_id, state, created, expiry,
			last_user_reply_time, last_ai_response_time, admin_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			session_id            = excluded.session_id,
			state                 = excluded.state,
			created               = excluded.created,
			expiry                = excluded.expiry,
			last_user_reply_time  = excluded.last_user_reply_time,
			last_ai_response_time = excluded.last_ai_response_time,
			admin_id              = excluded.admin_id`,
		rec.ConversationID, ptrNullString(j.SessionID), string(j.State), nullIfEmpty(j.Created), j.Expiry,
		ptrNullString(j.LastUserReplyTime), ptrNullString(j.LastAIResponseTime), nullIfEmpty(j.AdminID),
	)
	if err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Delete removes the rows for ids in one transaction.
func (s *SQLiteStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: Delete begin: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE conversation_id = ?", id); err != nil {
			tx.Rollback()
			return fmt.Errorf("repository: Delete %q: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: Delete commit: %w", err)
	}
	return nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func ptrNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
