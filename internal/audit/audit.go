// Package audit persists one append-only row per delivery attempt. The store
// never carries raw message text, only a one-way digest. Write failures are
// the caller's problem to swallow; this package just reports them.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jvalenc/webmta/internal/dispatch"
)

// Config selects the SQL backend
type Config struct {
	Driver    string // "sqlite3", "mysql", "postgres"
	DSN       string
	Retention time.Duration
}

// Store is a SQL-backed audit sink. It implements dispatch.AuditSink.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured backend and ensures the schema exists
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	dsn := cfg.DSN
	switch cfg.Driver {
	case "sqlite3":
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("creating audit database directory: %w", err)
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	case "mysql", "postgres":
	default:
		return nil, fmt.Errorf("unsupported audit driver: %s", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to audit database: %w", err)
	}

	s := &Store{
		db:     db,
		driver: cfg.Driver,
		logger: logger.With("component", "audit", "driver", cfg.Driver),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	idCol := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	tsType := "TIMESTAMP"
	switch s.driver {
	case "mysql":
		idCol = "id BIGINT AUTO_INCREMENT PRIMARY KEY"
		tsType = "DATETIME"
	case "postgres":
		idCol = "id BIGSERIAL PRIMARY KEY"
		tsType = "TIMESTAMPTZ"
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS attempts (
		%s,
		submission_id VARCHAR(64) NOT NULL,
		recipient VARCHAR(64) NOT NULL,
		text_digest VARCHAR(64) NOT NULL,
		status VARCHAR(16) NOT NULL,
		attempt INTEGER NOT NULL,
		error_kind VARCHAR(32),
		error_text TEXT,
		artifact_urls TEXT,
		duration_ms INTEGER NOT NULL,
		correlation_id VARCHAR(128),
		created_at %s NOT NULL
	)`, idCol, tsType)
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating attempts table: %w", err)
	}

	for _, stmt := range indexStatements(s.driver) {
		if _, err := s.db.Exec(stmt); err != nil {
			if s.driver == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("creating audit index: %w", err)
		}
	}
	return nil
}

// indexStatements returns the index DDL for a backend. MySQL has no
// IF NOT EXISTS for indexes; reruns surface as a duplicate key name error,
// which migrate tolerates. Every other index error is returned.
func indexStatements(driver string) []string {
	indexes := []struct{ name, col string }{
		{"idx_attempts_created", "created_at"},
		{"idx_attempts_submission", "submission_id"},
	}
	stmts := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		guard := "IF NOT EXISTS "
		if driver == "mysql" {
			guard = ""
		}
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX %s%s ON attempts (%s)", guard, idx.name, idx.col))
	}
	return stmts
}

// rebind rewrites ? placeholders for backends that number them
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append writes one attempt row. Rows are never updated after insert.
func (s *Store) Append(ctx context.Context, a dispatch.Attempt) error {
	urls := ""
	if len(a.ArtifactURLs) > 0 {
		encoded, err := json.Marshal(a.ArtifactURLs)
		if err != nil {
			return fmt.Errorf("encoding artifact urls: %w", err)
		}
		urls = string(encoded)
	}
	at := a.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	query := s.rebind(`INSERT INTO attempts
		(submission_id, recipient, text_digest, status, attempt, error_kind,
		 error_text, artifact_urls, duration_ms, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		a.SubmissionID, a.Recipient, a.TextDigest, string(a.Status), a.Attempt,
		string(a.ErrKind), a.ErrText, urls, a.Duration.Milliseconds(),
		a.CorrelationID, at)
	if err != nil {
		return fmt.Errorf("appending attempt record: %w", err)
	}
	return nil
}

// Recent returns the newest attempt rows, most recent first
func (s *Store) Recent(ctx context.Context, limit int) ([]dispatch.Attempt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.queryAttempts(ctx, `SELECT `+attemptColumns+`
		FROM attempts ORDER BY id DESC LIMIT ?`, limit)
}

// BySubmission returns all attempts for one submission, oldest first
func (s *Store) BySubmission(ctx context.Context, submissionID string) ([]dispatch.Attempt, error) {
	return s.queryAttempts(ctx, `SELECT `+attemptColumns+`
		FROM attempts WHERE submission_id = ? ORDER BY id ASC`, submissionID)
}

const attemptColumns = `submission_id, recipient, text_digest, status,
		attempt, error_kind, error_text, artifact_urls, duration_ms,
		correlation_id, created_at`

func (s *Store) queryAttempts(ctx context.Context, query string, args ...any) ([]dispatch.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Attempt
	for rows.Next() {
		var (
			a          dispatch.Attempt
			status     string
			kind       string
			errText    sql.NullString
			urls       sql.NullString
			durationMS int64
			corr       sql.NullString
		)
		if err := rows.Scan(&a.SubmissionID, &a.Recipient, &a.TextDigest,
			&status, &a.Attempt, &kind, &errText, &urls, &durationMS, &corr, &a.At); err != nil {
			return nil, fmt.Errorf("scanning attempt row: %w", err)
		}
		a.Status = dispatch.Status(status)
		a.ErrKind = dispatch.ErrorKind(kind)
		a.ErrText = errText.String
		a.Duration = time.Duration(durationMS) * time.Millisecond
		a.CorrelationID = corr.String
		if urls.String != "" {
			if err := json.Unmarshal([]byte(urls.String), &a.ArtifactURLs); err != nil {
				s.logger.Warn("malformed artifact urls in audit row", "submission_id", a.SubmissionID, "error", err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Prune deletes rows older than the given age and returns the count removed
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	query := s.rebind("DELETE FROM attempts WHERE created_at < ?")
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if n > 0 {
		s.logger.Info("pruned audit records", "removed", n, "older_than", olderThan.String())
	}
	return n, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}
