package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite" // pure Go driver, registers "sqlite"

	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
)

// SQLiteStore keeps cards in a plain table with an FTS5 index beside it.
// WAL mode lets `cardindex search` read while the daemon writes.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the database at path. An empty path
// opens an in-memory database. cacheMB <= 0 uses 64MB.
func NewSQLiteStore(path string, cacheMB int, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheMB <= 0 {
		cacheMB = 64
	}

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		if verr := validateSQLite(path); verr != nil {
			logger.Warn("card_db_corrupted", slog.String("path", path), slog.String("error", verr.Error()))
			if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
				return nil, cierrors.New(cierrors.ErrCodeCorruptIndex,
					fmt.Sprintf("card database corrupted at %s and cannot be removed", path), rerr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, cierrors.New(cierrors.ErrCodeStorageFailed, "failed to open card database", err)
	}
	// One connection: single writer, and :memory: stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cacheMB*1024),
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, cierrors.New(cierrors.ErrCodeStorageFailed, "failed to configure card database", err)
		}
	}

	s := &SQLiteStore{db: db, path: path, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, cierrors.New(cierrors.ErrCodeStorageFailed, "failed to initialize card schema", err)
	}
	return s, nil
}

func validateSQLite(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS cards (
		participant_id  TEXT PRIMARY KEY,
		owner_id        TEXT NOT NULL DEFAULT '',
		requesting_host TEXT NOT NULL DEFAULT '',
		indexed_at      TEXT NOT NULL,
		doc             TEXT NOT NULL
	);

	-- participant_id is stored for joins but not tokenized.
	CREATE VIRTUAL TABLE IF NOT EXISTS cards_fts USING fts5(
		participant_id UNINDEXED,
		content,
		tokenize='unicode61'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`)
	return err
}

// CreateOrUpdate implements Store.
func (s *SQLiteStore) CreateOrUpdate(ctx context.Context, card *BusinessCard, meta Metadata) error {
	if card == nil || card.ParticipantID == "" {
		return cierrors.New(cierrors.ErrCodeCardInvalid, "business card has no participant", nil)
	}
	raw, err := json.Marshal(Document{Card: *card, Metadata: meta})
	if err != nil {
		return cierrors.New(cierrors.ErrCodeCardInvalid, "failed to encode business card", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cards (participant_id, owner_id, requesting_host, indexed_at, doc)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(participant_id) DO UPDATE SET
				owner_id = excluded.owner_id,
				requesting_host = excluded.requesting_host,
				indexed_at = excluded.indexed_at,
				doc = excluded.doc`,
			card.ParticipantID, meta.OwnerID, meta.RequestingHost,
			meta.IndexedAt.UTC().Format(time.RFC3339Nano), string(raw)); err != nil {
			return err
		}
		// FTS5 tables have no upsert.
		if _, err := tx.ExecContext(ctx, `DELETE FROM cards_fts WHERE participant_id = ?`, card.ParticipantID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO cards_fts (participant_id, content) VALUES (?, ?)`,
			card.ParticipantID, card.SearchText())
		return err
	})
	if err != nil {
		return cierrors.New(cierrors.ErrCodeStorageFailed, "failed to index business card", err).
			WithDetail("participant", card.ParticipantID)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed()
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cards_fts WHERE participant_id = ?`, participantID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE participant_id = ?`, participantID)
		return err
	})
	if err != nil {
		return cierrors.New(cierrors.ErrCodeStorageFailed, "failed to delete business card", err).
			WithDetail("participant", participantID)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, participantID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed()
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM cards WHERE participant_id = ?`, participantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, notFound(participantID)
	}
	if err != nil {
		return nil, cierrors.New(cierrors.ErrCodeStorageFailed, "failed to read business card", err)
	}
	return decodeRaw(raw)
}

// Search implements Store. Terms are ANDed; FTS5 operators are not
// exposed, every term is matched literally.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	match := ftsQuery(query)
	if match == "" {
		return []SearchResult{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed()
	}

	// bm25() is negative, lower is better.
	rows, err := s.db.QueryContext(ctx, `
		SELECT cards_fts.participant_id, bm25(cards_fts) AS score, cards.doc
		FROM cards_fts
		JOIN cards ON cards.participant_id = cards_fts.participant_id
		WHERE cards_fts MATCH ?
		ORDER BY score
		LIMIT ?`, match, limit)
	if err != nil {
		return nil, cierrors.New(cierrors.ErrCodeInvalidQuery, "search failed", err).
			WithDetail("query", query)
	}
	defer rows.Close()

	results := []SearchResult{}
	for rows.Next() {
		var (
			id, raw string
			score   float64
		)
		if err := rows.Scan(&id, &score, &raw); err != nil {
			return nil, cierrors.New(cierrors.ErrCodeStorageFailed, "failed to scan search result", err)
		}
		r := SearchResult{ParticipantID: id, Score: -score}
		if doc, err := decodeRaw(raw); err == nil {
			r.Names = doc.Card.Names()
			r.Countries = doc.Card.Countries()
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ftsQuery quotes each whitespace-separated term so user input can never
// be parsed as FTS5 syntax.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

// Count implements Store.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errClosed()
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards`).Scan(&n); err != nil {
		return 0, cierrors.New(cierrors.ErrCodeStorageFailed, "failed to count documents", err)
	}
	return n, nil
}

// Close checkpoints the WAL and closes the database. Safe to call twice.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.path != "" {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("card_db_checkpoint_failed", slog.String("error", err.Error()))
		}
	}
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
