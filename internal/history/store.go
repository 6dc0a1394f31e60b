// Package history keeps a SQLite log of resolution outcomes: what was asked
// for, which provider answered, and why the others failed. It is the data
// behind per-provider health reporting.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"streamwalk/internal/config"
	"streamwalk/internal/failure"
	"streamwalk/internal/logging"
	"streamwalk/internal/media"
	"streamwalk/internal/resolve"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes.
const schemaVersion = 1

// ErrSchemaMismatch means the database was written by another version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Store persists resolution events. It implements resolve.EventSink.
type Store struct {
	db     *sql.DB
	path   string
	logger *log.Logger
}

var _ resolve.EventSink = (*Store)(nil)

// OpenDefault opens the store at the XDG data path.
func OpenDefault(logger *log.Logger) (*Store, error) {
	path, err := config.HistoryPath()
	if err != nil {
		return nil, err
	}
	return Open(path, logger)
}

// Open creates or opens the database at path.
func Open(path string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps the per-connection pragmas in force.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &Store{db: db, path: path, logger: logging.OrDiscard(logger)}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path is the database file.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to start over)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Record stores one resolution event with its failed attempts.
func (s *Store) Record(ctx context.Context, e resolve.Event) error {
	id := uuid.NewString()
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}

	var providerID, streamURL, referer string
	if e.Result != nil {
		providerID = e.Result.ProviderID
		streamURL = e.Result.StreamURL
		referer = e.Result.Referer
	}

	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `INSERT INTO events
			(id, at, request, content_type, external_id, season, episode, success, provider_id, stream_url, referer, cached, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, at.UnixNano(), e.Request.String(), e.Request.Type.String(), e.Request.ExternalID,
			e.Request.Season, e.Request.Episode, boolInt(e.Success()), providerID, streamURL, referer,
			boolInt(e.Cached), e.Duration.Milliseconds(),
		); err != nil {
			return err
		}
		for i, r := range e.Reasons {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO attempts (event_id, position, provider_id, kind, message) VALUES (?, ?, ?, ?, ?)",
				id, i, r.ProviderID, r.Kind.String(), r.Message,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	s.logger.Debug("recorded resolution event", "id", id, "success", e.Success(), "attempts", len(e.Reasons))
	return nil
}

// Entry is one stored event.
type Entry struct {
	ID         string
	At         time.Time
	Request    string
	Type       media.ContentType
	ExternalID string
	Success    bool
	ProviderID string
	StreamURL  string
	Referer    string
	Cached     bool
	Duration   time.Duration
	Reasons    []failure.Reason
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, at, request, content_type, external_id, success,
		provider_id, stream_url, referer, cached, duration_ms
		FROM events ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			atNanos  int64
			ctype    string
			success  int
			cached   int
			duration int64
		)
		if err := rows.Scan(&e.ID, &atNanos, &e.Request, &ctype, &e.ExternalID, &success,
			&e.ProviderID, &e.StreamURL, &e.Referer, &cached, &duration); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.At = time.Unix(0, atNanos)
		e.Type, _ = media.ParseContentType(ctype)
		e.Success = success != 0
		e.Cached = cached != 0
		e.Duration = time.Duration(duration) * time.Millisecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	rows.Close()

	for i := range entries {
		reasons, err := s.attempts(ctx, entries[i].ID)
		if err != nil {
			return nil, err
		}
		entries[i].Reasons = reasons
	}
	return entries, nil
}

func (s *Store) attempts(ctx context.Context, eventID string) ([]failure.Reason, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT provider_id, kind, message FROM attempts WHERE event_id = ? ORDER BY position", eventID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []failure.Reason
	for rows.Next() {
		var r failure.Reason
		if err := rows.Scan(&r.ProviderID, &r.KindName, &r.Message); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		r.Kind = failure.ParseKind(r.KindName)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ProviderHealth aggregates one provider's outcomes. Cache hits are not
// counted as successes.
type ProviderHealth struct {
	ProviderID  string
	Successes   int
	Failures    int
	ByKind      map[failure.Kind]int
	LastSuccess time.Time
}

// SuccessRate is successes over attempts, zero without attempts.
func (h ProviderHealth) SuccessRate() float64 {
	total := h.Successes + h.Failures
	if total == 0 {
		return 0
	}
	return float64(h.Successes) / float64(total)
}

// Health returns per-provider outcome counts ordered by provider id.
func (s *Store) Health(ctx context.Context) ([]ProviderHealth, error) {
	byID := map[string]*ProviderHealth{}
	get := func(id string) *ProviderHealth {
		h, ok := byID[id]
		if !ok {
			h = &ProviderHealth{ProviderID: id, ByKind: map[failure.Kind]int{}}
			byID[id] = h
		}
		return h
	}

	rows, err := s.db.QueryContext(ctx, `SELECT provider_id, COUNT(1), MAX(at)
		FROM events WHERE success = 1 AND cached = 0 GROUP BY provider_id`)
	if err != nil {
		return nil, fmt.Errorf("query successes: %w", err)
	}
	for rows.Next() {
		var (
			id   string
			n    int
			last int64
		)
		if err := rows.Scan(&id, &n, &last); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan successes: %w", err)
		}
		h := get(id)
		h.Successes = n
		h.LastSuccess = time.Unix(0, last)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, "SELECT provider_id, kind, COUNT(1) FROM attempts GROUP BY provider_id, kind")
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, kind string
			n        int
		)
		if err := rows.Scan(&id, &kind, &n); err != nil {
			return nil, fmt.Errorf("scan failures: %w", err)
		}
		h := get(id)
		h.Failures += n
		h.ByKind[failure.ParseKind(kind)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ProviderHealth, 0, len(byID))
	for _, h := range byID {
		out = append(out, *h)
	}
	sortHealth(out)
	return out, nil
}

// Prune deletes events older than cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM attempts WHERE event_id IN (SELECT id FROM events WHERE at < ?)", cutoff.UnixNano()); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM events WHERE at < ?", cutoff.UnixNano())
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return n, nil
}

// FormatForDisplay renders entries one per line for terminal output.
func FormatForDisplay(entries []Entry) []string {
	var items []string
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-5s %s", e.At.Local().Format("2006-01-02 15:04"), e.Type, e.Request)
		if e.Success {
			line += "  -> " + e.ProviderID
			if e.Cached {
				line += " (cached)"
			}
		} else {
			line += "  FAILED"
		}
		if len(e.Reasons) > 0 {
			parts := make([]string, 0, len(e.Reasons))
			for _, r := range e.Reasons {
				parts = append(parts, r.ProviderID+":"+r.KindName)
			}
			line += " [" + strings.Join(parts, ", ") + "]"
		}
		items = append(items, line)
	}
	return items
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
