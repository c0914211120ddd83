package commlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Compile-time verification that SQLiteSink implements Sink.
var _ Sink = (*SQLiteSink)(nil)

// SQLiteSink persists communication entries to a SQLite database so the
// history survives host reloads.
type SQLiteSink struct {
	log *slog.Logger
	db  *sql.DB
}

// OpenSQLiteSink opens (or creates) the database at path and applies pending
// migrations. Use ":memory:" for a throwaway store.
func OpenSQLiteSink(log *slog.Logger, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()

			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &SQLiteSink{log: log.With("component", "commlog_sqlite"), db: db}
	if err := s.migrate(); err != nil {
		db.Close()

		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		version, description, ok := parseMigrationName(e.Name())
		if !ok || version <= current {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}

		if err := s.apply(version, description, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}

		s.log.Debug("Applied migration", "version", version, "description", description)
	}

	return nil
}

func parseMigrationName(name string) (int, string, bool) {
	if !strings.HasSuffix(name, ".sql") {
		return 0, "", false
	}

	prefix, rest, found := strings.Cut(name, "_")
	if !found {
		return 0, "", false
	}

	var version int
	if _, err := fmt.Sscanf(prefix, "%d", &version); err != nil {
		return 0, "", false
	}

	return version, strings.TrimSuffix(rest, ".sql"), true
}

func (s *SQLiteSink) apply(version int, description, content string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(content); err != nil {
		_ = tx.Rollback()

		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
		version, description,
	); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

// Append implements Sink.
func (s *SQLiteSink) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO communication_log
			(command_name, client_name, timestamp, request_payload, response_payload, is_error, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.CommandName,
		e.ClientName,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.RequestPayload),
		string(e.ResponsePayload),
		e.IsError,
		e.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert communication entry: %w", err)
	}

	return nil
}

// Recent returns up to limit persisted entries, oldest first.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_name, client_name, timestamp, request_payload, response_payload, is_error, duration_us
		FROM (SELECT * FROM communication_log ORDER BY id DESC LIMIT ?)
		ORDER BY id ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query communication log: %w", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		var (
			e          Entry
			ts         string
			req, resp  string
			durationUs int64
		)

		if err := rows.Scan(&e.CommandName, &e.ClientName, &ts, &req, &resp, &e.IsError, &durationUs); err != nil {
			return nil, fmt.Errorf("scan communication entry: %w", err)
		}

		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}

		e.RequestPayload = []byte(req)
		e.ResponsePayload = []byte(resp)
		e.Duration = time.Duration(durationUs) * time.Microsecond

		out = append(out, e)
	}

	return out, rows.Err()
}

// Prune deletes all but the newest keep entries.
func (s *SQLiteSink) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM communication_log
		WHERE id NOT IN (SELECT id FROM communication_log ORDER BY id DESC LIMIT ?)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune communication log: %w", err)
	}

	return res.RowsAffected()
}
