// Package archive persists finalized transcript segments in SQLite.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"live-transcribe-service/internal/models"
)

// Modes accepted by Open.
const (
	ModeSQLite    = "sqlite"
	ModeEphemeral = "ephemeral"
)

// ErrNotFound is returned when a session has no archived data.
var ErrNotFound = errors.New("archive: session not found")

// Config selects the archive mode and database path.
type Config struct {
	Mode string
	Path string
}

// Store is a SQLite-backed archive of final segments. In ephemeral mode
// every write is a no-op and reads return nothing.
type Store struct {
	db    *sql.DB
	mode  string
	clock func() time.Time
}

// Open initializes the archive according to cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Mode == ModeEphemeral || cfg.Mode == "" {
		log.Info().Msg("Archive in ephemeral mode, final segments are not persisted")
		return &Store{mode: ModeEphemeral, clock: time.Now}, nil
	}
	if cfg.Mode != ModeSQLite {
		return nil, fmt.Errorf("archive: unknown mode %q", cfg.Mode)
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, mode: ModeSQLite, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Info().Str("path", cfg.Path).Msg("Archive opened")
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
    session_id TEXT NOT NULL,
    seg_index INTEGER NOT NULL,
    text TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    capture_run INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (session_id, seg_index),
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether writes are persisted.
func (s *Store) Enabled() bool {
	return s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSegment upserts a final segment, creating the session row if needed.
func (s *Store) SaveSegment(ctx context.Context, seg models.ArchivedSegment) error {
	if s.db == nil {
		return nil
	}
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = s.clock()
	}
	created := seg.CreatedAt.UTC().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, created_at) VALUES(?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		seg.SessionID, created); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO segments(session_id, seg_index, text, confidence, capture_run, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, seg_index) DO UPDATE SET
		   text=excluded.text, confidence=excluded.confidence,
		   capture_run=excluded.capture_run, created_at=excluded.created_at`,
		seg.SessionID, seg.Index, seg.Text, seg.Confidence, seg.CaptureRun, created); err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}
	return tx.Commit()
}

// Segments returns the archived segments of a session in index order.
func (s *Store) Segments(ctx context.Context, sessionID string) ([]models.ArchivedSegment, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, seg_index, text, confidence, capture_run, created_at
		 FROM segments WHERE session_id = ? ORDER BY seg_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ArchivedSegment
	for rows.Next() {
		var seg models.ArchivedSegment
		var created int64
		if err := rows.Scan(&seg.SessionID, &seg.Index, &seg.Text, &seg.Confidence, &seg.CaptureRun, &created); err != nil {
			return nil, err
		}
		seg.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, seg)
	}
	return out, rows.Err()
}

// Sessions lists archived sessions, newest first, up to limit.
func (s *Store) Sessions(ctx context.Context, limit int) ([]models.ArchivedSession, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.created_at, COUNT(g.seg_index)
		 FROM sessions s LEFT JOIN segments g ON g.session_id = s.session_id
		 GROUP BY s.session_id, s.created_at
		 ORDER BY s.created_at DESC, s.session_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ArchivedSession
	for rows.Next() {
		var sess models.ArchivedSession
		var created int64
		if err := rows.Scan(&sess.SessionID, &created, &sess.Segments); err != nil {
			return nil, err
		}
		sess.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and its segments.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if s.db == nil {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
