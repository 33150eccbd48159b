package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRunNotFound is returned when a run id has no stored run.
var ErrRunNotFound = errors.New("run not found")

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists scan reports in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS scan_runs (
    run_id        TEXT PRIMARY KEY,
    started_at    TIMESTAMPTZ NOT NULL,
    duration_ms   BIGINT NOT NULL,
    files_scanned INTEGER NOT NULL,
    files_skipped INTEGER NOT NULL,
    rules_loaded  INTEGER NOT NULL,
    truncated     BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS findings (
    run_id     TEXT NOT NULL REFERENCES scan_runs(run_id) ON DELETE CASCADE,
    rule_id    TEXT NOT NULL,
    severity   TEXT NOT NULL,
    confidence TEXT NOT NULL,
    message    TEXT NOT NULL,
    file       TEXT NOT NULL,
    start_line INTEGER NOT NULL,
    start_col  INTEGER NOT NULL,
    end_line   INTEGER NOT NULL,
    end_col    INTEGER NOT NULL,
    taint_path JSONB NOT NULL,
    metadata   JSONB NOT NULL,
    fix        TEXT NOT NULL,
    snippet    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS scan_diagnostics (
    run_id  TEXT NOT NULL REFERENCES scan_runs(run_id) ON DELETE CASCADE,
    kind    TEXT NOT NULL,
    code    TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    file    TEXT NOT NULL,
    message TEXT NOT NULL
);`

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

var findingColumns = []string{
	"run_id", "rule_id", "severity", "confidence", "message",
	"file", "start_line", "start_col", "end_line", "end_col",
	"taint_path", "metadata", "fix", "snippet",
}

const (
	sqlInsertRun = `
        INSERT INTO scan_runs (run_id, started_at, duration_ms, files_scanned, files_skipped, rules_loaded, truncated)
        VALUES ($1, $2, $3, $4, $5, $6, $7);
    `
	sqlInsertDiagnostic = `
        INSERT INTO scan_diagnostics (run_id, kind, code, rule_id, file, message)
        VALUES ($1, $2, $3, $4, $5, $6);
    `
	sqlSelectRun = `
        SELECT started_at, duration_ms, files_scanned, files_skipped, rules_loaded, truncated
        FROM scan_runs
        WHERE run_id = $1;
    `
	sqlSelectFindings = `
        SELECT rule_id, severity, confidence, message, file, start_line, start_col, end_line, end_col, taint_path, metadata, fix, snippet
        FROM findings
        WHERE run_id = $1
        ORDER BY file, start_line, start_col, rule_id;
    `
)

// Diagnostic kinds stored in scan_diagnostics.
const (
	kindRuleError = "rule_error"
	kindFileError = "file_error"
	kindWarning   = "warning"
)

// PersistReport writes the run row, its findings and its diagnostics in one
// transaction.
func (s *Store) PersistReport(ctx context.Context, report *schemas.Report) error {
	if report == nil || report.RunID == "" {
		return errors.New("report must have a run id")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after Commit returns ErrTxClosed, which is expected.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlInsertRun,
		report.RunID,
		report.StartedAt.UTC(),
		report.Stats.Duration.Milliseconds(),
		report.Stats.FilesScanned,
		report.Stats.FilesSkipped,
		report.Stats.RulesLoaded,
		report.Truncated,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if len(report.Findings) > 0 {
		if err := s.persistFindings(ctx, tx, report.RunID, report.Findings); err != nil {
			return err
		}
	}
	if err := s.persistDiagnostics(ctx, tx, report); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Persisted scan report.", zap.String("run_id", report.RunID), zap.Int("findings", len(report.Findings)))
	return nil
}

func (s *Store) persistFindings(ctx context.Context, tx pgx.Tx, runID string, findings []schemas.Finding) error {
	rows := make([][]any, len(findings))
	for i, f := range findings {
		path, err := jsonColumn(f.TaintPath, "[]")
		if err != nil {
			return fmt.Errorf("failed to encode taint path for %s: %w", f.Key(), err)
		}
		meta, err := jsonColumn(f.Metadata, "{}")
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", f.Key(), err)
		}
		l := f.Location
		rows[i] = []any{
			runID, f.RuleID, string(f.Severity), string(f.Confidence), f.Message,
			l.File, l.StartLine, l.StartCol, l.EndLine, l.EndCol,
			path, meta, f.Fix, f.Snippet,
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"findings"}, findingColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), copyCount)
	}
	return nil
}

// persistDiagnostics batches rule errors, file errors and warnings.
func (s *Store) persistDiagnostics(ctx context.Context, tx pgx.Tx, report *schemas.Report) error {
	batch := &pgx.Batch{}
	for _, e := range report.RuleErrors {
		batch.Queue(sqlInsertDiagnostic, report.RunID, kindRuleError, "", e.RuleID, e.File, e.Message)
	}
	for _, e := range report.FileErrors {
		batch.Queue(sqlInsertDiagnostic, report.RunID, kindFileError, e.Language, "", e.File, e.Message)
	}
	for _, w := range report.Warnings {
		batch.Queue(sqlInsertDiagnostic, report.RunID, kindWarning, string(w.Code), w.RuleID, w.File, w.Message)
	}
	if batch.Len() == 0 {
		return nil
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return errors.New("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert diagnostic %d: %w", i, err)
		}
	}
	return nil
}

// GetReport rebuilds a stored run. Diagnostics are not reloaded.
func (s *Store) GetReport(ctx context.Context, runID string) (*schemas.Report, error) {
	report := &schemas.Report{RunID: runID}
	var durationMS int64
	err := s.pool.QueryRow(ctx, sqlSelectRun, runID).Scan(
		&report.StartedAt, &durationMS,
		&report.Stats.FilesScanned, &report.Stats.FilesSkipped, &report.Stats.RulesLoaded,
		&report.Truncated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	report.Stats.Duration = time.Duration(durationMS) * time.Millisecond

	findings, err := s.GetFindingsByRunID(ctx, runID)
	if err != nil {
		return nil, err
	}
	report.Findings = findings
	return report, nil
}

// GetFindingsByRunID returns the findings of one run in report order.
func (s *Store) GetFindingsByRunID(ctx context.Context, runID string) ([]schemas.Finding, error) {
	rows, err := s.pool.Query(ctx, sqlSelectFindings, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	findings := []schemas.Finding{}
	for rows.Next() {
		var f schemas.Finding
		var severity, confidence string
		var path, meta []byte
		l := &f.Location
		if err := rows.Scan(
			&f.RuleID, &severity, &confidence, &f.Message,
			&l.File, &l.StartLine, &l.StartCol, &l.EndLine, &l.EndCol,
			&path, &meta, &f.Fix, &f.Snippet,
		); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		f.Severity = schemas.Severity(severity)
		f.Confidence = schemas.Confidence(confidence)
		if err := json.Unmarshal(path, &f.TaintPath); err != nil {
			return nil, fmt.Errorf("failed to decode taint path: %w", err)
		}
		if len(f.TaintPath) == 0 {
			f.TaintPath = nil
		}
		if err := json.Unmarshal(meta, &f.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		if len(f.Metadata) == 0 {
			f.Metadata = nil
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}

// jsonColumn encodes v for a JSONB column, substituting empty for nil values.
func jsonColumn(v any, empty string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}
