package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ambiware-labs/pitchpipe/internal/analyze"
	"github.com/ambiware-labs/pitchpipe/internal/config"
)

// Store keeps an analysis-result timeline in SQLite so the status surface
// and external tooling can query recent results after the fact. In
// ephemeral mode it is a no-op shell.
type Store struct {
	db    *sql.DB
	cfg   config.ResultStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

func Open(ctx context.Context, cfg config.ResultStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("result store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("result store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    analyzer TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    sample_count INTEGER NOT NULL,
    degraded INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    value_json BLOB,
    batch_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_analyzer_seq ON results(analyzer, sequence);
CREATE INDEX IF NOT EXISTS idx_results_created ON results(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records one result. Disabled-store appends succeed silently.
func (s *Store) Append(ctx context.Context, res analyze.Result) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	values, err := json.Marshal(res.Values)
	if err != nil {
		return fmt.Errorf("marshal values: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results(analyzer, sequence, sample_count, degraded, error, value_json, batch_at, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		res.Analyzer, res.Sequence, res.SampleCount, boolToInt(res.Degraded), res.Error,
		values, res.Timestamp.UTC(), s.clock().UTC())
	return err
}

// Sink adapts Append into a coordinator sink. Persist failures are logged
// and dropped so the consumer loop keeps moving.
func (s *Store) Sink(ctx context.Context) func(analyze.Result) {
	return func(res analyze.Result) {
		if err := s.Append(ctx, res); err != nil {
			s.log.Warn("failed to persist analysis result",
				slog.String("analyzer", res.Analyzer),
				slog.String("error", err.Error()))
		}
	}
}

// ListRecent retrieves up to limit results for one analyzer, newest first.
func (s *Store) ListRecent(ctx context.Context, analyzer string, limit int) ([]analyze.Result, error) {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT analyzer, sequence, sample_count, degraded, error, value_json, batch_at
		 FROM results WHERE analyzer = ? ORDER BY sequence DESC LIMIT ?`, analyzer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []analyze.Result
	for rows.Next() {
		var (
			res      analyze.Result
			degraded int
			errText  sql.NullString
			values   []byte
			batchAt  string
		)
		if err := rows.Scan(&res.Analyzer, &res.Sequence, &res.SampleCount, &degraded, &errText, &values, &batchAt); err != nil {
			return nil, err
		}
		res.Degraded = degraded != 0
		res.Error = errText.String
		if len(values) > 0 {
			if err := json.Unmarshal(values, &res.Values); err != nil {
				return nil, fmt.Errorf("unmarshal values: %w", err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, batchAt); err == nil {
			res.Timestamp = ts
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// Prune trims the timeline to the configured row budget, oldest first.
func (s *Store) Prune(ctx context.Context) error {
	if s.cfg.RetentionMode == "ephemeral" || s.db == nil {
		return nil
	}
	if s.cfg.MaxResults <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE id IN (
		SELECT id FROM results ORDER BY id DESC LIMIT -1 OFFSET ?
	)`, s.cfg.MaxResults)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
