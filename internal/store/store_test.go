package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newTestStore(t *testing.T, level zapcore.Level) (*Store, pgxmock.PgxPoolIface, *observer.ObservedLogs) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	core, logs := observer.New(level)
	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.New(core))
	require.NoError(t, err)
	return s, mockPool, logs
}

func testReport() *schemas.Report {
	return &schemas.Report{
		RunID:     "3f1c2a9e-0000-4000-8000-000000000001",
		StartedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.FixedZone("CET", 3600)),
		Findings: []schemas.Finding{
			{
				RuleID:     "js-eval",
				Severity:   schemas.SeverityError,
				Confidence: schemas.ConfidenceHigh,
				Message:    "eval of user input",
				Location:   schemas.Location{File: "app.js", StartLine: 2, StartCol: 1, EndLine: 2, EndCol: 10},
			},
		},
		RuleErrors: []schemas.RuleError{{RuleID: "bad", Message: "invalid pattern"}},
		FileErrors: []schemas.FileError{{File: "broken.py", Language: "python", Message: "syntax error"}},
		Stats:      schemas.RunStats{FilesScanned: 3, FilesSkipped: 1, RulesLoaded: 4, Duration: 1500 * time.Millisecond},
	}
}

// runInsertArgs are the arguments PersistReport passes for the report built by testReport.
func runInsertArgs(r *schemas.Report) []any {
	return []any{r.RunID, r.StartedAt.UTC(), int64(1500), 3, 1, 4, false}
}

func expectRunInsert(mock pgxmock.PgxPoolIface, r *schemas.Report) {
	mock.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
		WithArgs(runInsertArgs(r)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
}

func TestNew_PingFails(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	s, mock, _ := newTestStore(t, zapcore.ErrorLevel)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scan_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.EnsureSchema(context.Background()))

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	assert.ErrorContains(t, s.EnsureSchema(context.Background()), "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistReport(t *testing.T) {
	s, mock, logs := newTestStore(t, zapcore.ErrorLevel)
	report := testReport()

	mock.ExpectBegin()
	expectRunInsert(mock, report)
	mock.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).WillReturnResult(1)
	batch := mock.ExpectBatch()
	batch.ExpectExec(flexibleSQLMatcher(sqlInsertDiagnostic)).
		WithArgs(report.RunID, kindRuleError, "", "bad", "", "invalid pattern").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	batch.ExpectExec(flexibleSQLMatcher(sqlInsertDiagnostic)).
		WithArgs(report.RunID, kindFileError, "python", "", "broken.py", "syntax error").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, s.PersistReport(context.Background(), report))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, logs.All(), "no errors are logged after a successful commit")
}

func TestPersistReport_NoFindingsSkipsCopy(t *testing.T) {
	s, mock, _ := newTestStore(t, zapcore.ErrorLevel)
	report := testReport()
	report.Findings = nil
	report.RuleErrors = nil
	report.FileErrors = nil

	mock.ExpectBegin()
	expectRunInsert(mock, report)
	mock.ExpectCommit()
	mock.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, s.PersistReport(context.Background(), report))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistReport_Failures(t *testing.T) {
	t.Run("missing run id", func(t *testing.T) {
		s, _, _ := newTestStore(t, zapcore.ErrorLevel)
		assert.Error(t, s.PersistReport(context.Background(), &schemas.Report{}))
		assert.Error(t, s.PersistReport(context.Background(), nil))
	})

	t.Run("begin fails", func(t *testing.T) {
		s, mock, _ := newTestStore(t, zapcore.ErrorLevel)
		mock.ExpectBegin().WillReturnError(errors.New("no connections"))
		assert.ErrorContains(t, s.PersistReport(context.Background(), testReport()), "failed to begin transaction")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("copy fails and rolls back", func(t *testing.T) {
		s, mock, logs := newTestStore(t, zapcore.ErrorLevel)
		report := testReport()
		mock.ExpectBegin()
		expectRunInsert(mock, report)
		mock.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).WillReturnError(errors.New("copy failed"))
		mock.ExpectRollback()

		err := s.PersistReport(context.Background(), report)
		assert.ErrorContains(t, err, "failed to copy findings")
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Empty(t, logs.All())
	})

	t.Run("copy count mismatch", func(t *testing.T) {
		s, mock, _ := newTestStore(t, zapcore.ErrorLevel)
		report := testReport()
		mock.ExpectBegin()
		expectRunInsert(mock, report)
		mock.ExpectCopyFrom(pgx.Identifier{"findings"}, findingColumns).WillReturnResult(0)
		mock.ExpectRollback()

		assert.ErrorContains(t, s.PersistReport(context.Background(), report), "mismatch in copied findings count")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rollback failure is logged", func(t *testing.T) {
		s, mock, logs := newTestStore(t, zapcore.ErrorLevel)
		report := testReport()
		mock.ExpectBegin()
		mock.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(runInsertArgs(report)...).
			WillReturnError(errors.New("duplicate key"))
		mock.ExpectRollback().WillReturnError(errors.New("connection reset"))

		assert.ErrorContains(t, s.PersistReport(context.Background(), report), "failed to insert run")
		assert.NoError(t, mock.ExpectationsWereMet())
		require.Equal(t, 1, logs.FilterMessage("Failed to rollback transaction").Len())
	})
}

func TestGetReport(t *testing.T) {
	s, mock, _ := newTestStore(t, zapcore.ErrorLevel)
	runID := "run-7"
	started := time.Date(2026, 3, 4, 4, 6, 7, 0, time.UTC)

	mock.ExpectQuery(flexibleSQLMatcher(sqlSelectRun)).
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{"started_at", "duration_ms", "files_scanned", "files_skipped", "rules_loaded", "truncated"}).
			AddRow(started, int64(250), 5, 0, 2, true))
	mock.ExpectQuery(flexibleSQLMatcher(sqlSelectFindings)).
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows([]string{
			"rule_id", "severity", "confidence", "message", "file", "start_line", "start_col",
			"end_line", "end_col", "taint_path", "metadata", "fix", "snippet",
		}).
			AddRow("py-taint", "critical", "high", "tainted", "app.py", 9, 1, 9, 12,
				[]byte(`[{"file":"app.py","start_line":3,"start_col":5,"end_line":3,"end_col":9}]`),
				[]byte(`{"cwe":"CWE-78"}`), "", "os.system(x)").
			AddRow("py-eval", "error", "medium", "eval", "app.py", 12, 1, 12, 8,
				[]byte(`[]`), []byte(`{}`), "", "eval(x)"))

	report, err := s.GetReport(context.Background(), runID)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.True(t, started.Equal(report.StartedAt))
	assert.Equal(t, 250*time.Millisecond, report.Stats.Duration)
	assert.Equal(t, 5, report.Stats.FilesScanned)
	assert.True(t, report.Truncated)
	require.Len(t, report.Findings, 2)

	first := report.Findings[0]
	assert.Equal(t, schemas.SeverityCritical, first.Severity)
	assert.Equal(t, schemas.ConfidenceHigh, first.Confidence)
	assert.Equal(t, []schemas.Location{{File: "app.py", StartLine: 3, StartCol: 5, EndLine: 3, EndCol: 9}}, first.TaintPath)
	assert.Equal(t, map[string]string{"cwe": "CWE-78"}, first.Metadata)

	second := report.Findings[1]
	assert.Nil(t, second.TaintPath)
	assert.Nil(t, second.Metadata)
}

func TestGetReport_NotFound(t *testing.T) {
	s, mock, _ := newTestStore(t, zapcore.ErrorLevel)
	mock.ExpectQuery(flexibleSQLMatcher(sqlSelectRun)).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"started_at", "duration_ms", "files_scanned", "files_skipped", "rules_loaded", "truncated"}))

	_, err := s.GetReport(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetFindingsByRunID_QueryError(t *testing.T) {
	s, mock, _ := newTestStore(t, zapcore.ErrorLevel)
	mock.ExpectQuery(flexibleSQLMatcher(sqlSelectFindings)).WithArgs("r").WillReturnError(errors.New("boom"))

	_, err := s.GetFindingsByRunID(context.Background(), "r")
	assert.ErrorContains(t, err, "failed to query findings")
}
