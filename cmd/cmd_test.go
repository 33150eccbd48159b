package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
	"github.com/xkilldash9x/scalpel-sast/internal/config"
)

const cliRules = `
rules:
  - id: js-eval
    languages: [javascript]
    message: "eval of $X"
    severity: ERROR
    pattern: eval($X)
  - id: py-print
    languages: [python]
    message: print call
    severity: INFO
    pattern: print(...)
`

// fakeStore records what the commands persist.
type fakeStore struct {
	persisted []*schemas.Report
	stored    map[string]*schemas.Report
	schemaErr error
}

func (f *fakeStore) EnsureSchema(context.Context) error { return f.schemaErr }

func (f *fakeStore) PersistReport(_ context.Context, r *schemas.Report) error {
	f.persisted = append(f.persisted, r)
	return nil
}

func (f *fakeStore) GetReport(_ context.Context, runID string) (*schemas.Report, error) {
	r, ok := f.stored[runID]
	if !ok {
		return nil, errors.New("run not found")
	}
	return r, nil
}

type fakeProvider struct {
	store   *fakeStore
	err     error
	cleaned bool
}

func (p *fakeProvider) Create(context.Context, config.Interface) (reportStore, func(), error) {
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.store, func() { p.cleaned = true }, nil
}

func execute(t *testing.T, provider storeProvider, args ...string) (string, error) {
	t.Helper()
	if provider == nil {
		provider = &fakeProvider{store: &fakeStore{}}
	}
	root := newRootCmd(provider)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// project lays out a small source tree with its rule file.
func project(t *testing.T) (src, rulesPath string) {
	t.Helper()
	dir := t.TempDir()
	src = filepath.Join(dir, "src")
	writeFile(t, src, "app.js", "const a = 1;\neval(userInput);\n")
	writeFile(t, src, "tool.py", "print('hi')\n")
	writeFile(t, src, "notes.md", "eval(x)\n")
	rulesPath = writeFile(t, dir, "rules/rules.yaml", cliRules)
	return src, rulesPath
}

func decodeReport(t *testing.T, out string) schemas.Report {
	t.Helper()
	var r schemas.Report
	require.NoError(t, jsoniter.Unmarshal([]byte(out), &r), out)
	return r
}

func TestVersion(t *testing.T) {
	out, err := execute(t, nil, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)

	out, err = execute(t, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "scalpel-sast "+Version+"\n", out)
}

func TestScan_JSON(t *testing.T) {
	src, rulesPath := project(t)

	out, err := execute(t, nil, "scan", src, "--rules", rulesPath, "--format", "json", "-j", "2")
	require.NoError(t, err)

	report := decodeReport(t, out)
	require.Len(t, report.Findings, 2)
	assert.Equal(t, "js-eval", report.Findings[0].RuleID)
	assert.Equal(t, "eval of userInput", report.Findings[0].Message)
	assert.Equal(t, 2, report.Findings[0].Location.StartLine)
	assert.Equal(t, "py-print", report.Findings[1].RuleID)
	assert.Equal(t, 2, report.Stats.FilesScanned)
	assert.Equal(t, 2, report.Stats.RulesLoaded)
	assert.NotEmpty(t, report.RunID)
}

func TestScan_SARIFToFile(t *testing.T) {
	src, rulesPath := project(t)
	outPath := filepath.Join(t.TempDir(), "report.sarif")

	_, err := execute(t, nil, "scan", src, "--rules", rulesPath, "--format", "sarif", "--output", outPath)
	require.NoError(t, err)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var log map[string]any
	require.NoError(t, jsoniter.Unmarshal(data, &log))
	assert.Equal(t, "2.1.0", log["version"])
	run := log["runs"].([]any)[0].(map[string]any)
	assert.Len(t, run["results"], 2)
	rules := run["tool"].(map[string]any)["driver"].(map[string]any)["rules"].([]any)
	assert.Len(t, rules, 2, "every loaded rule is described")
}

func TestScan_FailOnFindings(t *testing.T) {
	src, rulesPath := project(t)

	_, err := execute(t, nil, "scan", src, "--rules", rulesPath, "--fail-on-findings")
	assert.ErrorIs(t, err, ErrBlockingFindings)
	assert.Equal(t, 1, ExitCode(err))

	// Only the info finding remains once the JavaScript file is gone.
	require.NoError(t, os.Remove(filepath.Join(src, "app.js")))
	_, err = execute(t, nil, "scan", src, "--rules", rulesPath, "--fail-on-findings")
	assert.NoError(t, err)
}

func TestScan_MaxFindings(t *testing.T) {
	src, rulesPath := project(t)

	out, err := execute(t, nil, "scan", src, "--rules", rulesPath, "--max-findings", "1")
	require.NoError(t, err)
	report := decodeReport(t, out)
	assert.Len(t, report.Findings, 1)
	assert.True(t, report.Truncated)
}

func TestScan_RuleErrorsAreReported(t *testing.T) {
	src, rulesPath := project(t)
	bad := writeFile(t, filepath.Dir(rulesPath), "bad.yaml", `
rules:
  - id: broken
    languages: [javascript]
    message: m
    pattern: "foo("
`)

	out, err := execute(t, nil, "scan", src, "--rules", rulesPath, "--rules", bad)
	require.NoError(t, err)
	report := decodeReport(t, out)
	require.Len(t, report.RuleErrors, 1)
	assert.Equal(t, "broken", report.RuleErrors[0].RuleID)
	assert.Len(t, report.Findings, 2, "a broken rule does not block the others")
}

func TestScan_Persist(t *testing.T) {
	src, rulesPath := project(t)
	provider := &fakeProvider{store: &fakeStore{}}

	out, err := execute(t, provider, "scan", src, "--rules", rulesPath, "--persist")
	require.NoError(t, err)
	require.Len(t, provider.store.persisted, 1)
	assert.Equal(t, decodeReport(t, out).RunID, provider.store.persisted[0].RunID)
	assert.True(t, provider.cleaned)

	_, err = execute(t, &fakeProvider{err: errors.New("no database")}, "scan", src, "--rules", rulesPath, "--persist")
	assert.ErrorContains(t, err, "no database")
}

func TestScan_Errors(t *testing.T) {
	src, rulesPath := project(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no paths", []string{"scan", "--rules", rulesPath}, "requires at least 1 arg"},
		{"no rules flag", []string{"scan", src}, `required flag(s) "rules" not set`},
		{"no valid rules", []string{"scan", src, "--rules", filepath.Join(t.TempDir(), "none.yaml")}, "no valid rules loaded"},
		{"bad format", []string{"scan", src, "--rules", rulesPath, "--format", "xml"}, "unsupported output format"},
		{"bad concurrency", []string{"scan", src, "--rules", rulesPath, "--concurrency", "0"}, "--concurrency must be positive"},
		{"bad scope", []string{"scan", src, "--rules", rulesPath, "--not-inside-scope", "module"}, "failed to initialize engine"},
		{"missing path", []string{"scan", filepath.Join(src, "missing"), "--rules", rulesPath}, "failed to discover files"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, nil, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	_, rulesPath := project(t)

	out, err := execute(t, nil, "validate", "--rules", rulesPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 rules valid, 0 invalid")

	bad := writeFile(t, t.TempDir(), "bad.yaml", `
rules:
  - id: broken
    languages: [javascript]
    message: m
    pattern: "foo("
`)
	out, err = execute(t, nil, "validate", "--rules", rulesPath, "--rules", bad)
	assert.ErrorContains(t, err, "1 invalid rules")
	assert.Contains(t, out, bad+": broken:")
	assert.Contains(t, out, "2 rules valid, 1 invalid")
}

func TestReport(t *testing.T) {
	stored := &schemas.Report{
		RunID:     "run-42",
		StartedAt: time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC),
		Findings: []schemas.Finding{{
			RuleID:   "js-eval",
			Severity: schemas.SeverityError,
			Message:  "eval of x",
			Location: schemas.Location{File: "a.js", StartLine: 1, StartCol: 1, EndLine: 1, EndCol: 8},
		}},
	}
	provider := &fakeProvider{store: &fakeStore{stored: map[string]*schemas.Report{"run-42": stored}}}

	out, err := execute(t, provider, "report", "--run-id", "run-42", "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, "run-42", decodeReport(t, out).RunID)
	assert.True(t, provider.cleaned)

	_, err = execute(t, provider, "report", "--run-id", "missing")
	assert.ErrorContains(t, err, "failed to load run missing")

	_, err = execute(t, provider, "report")
	assert.ErrorContains(t, err, `required flag(s) "run-id" not set`)
}

func TestConfigFileAndEnvironment(t *testing.T) {
	src, rulesPath := project(t)
	cfgPath := writeFile(t, t.TempDir(), "config.yaml", "output:\n  format: sarif\n")

	out, err := execute(t, nil, "--config", cfgPath, "scan", src, "--rules", rulesPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "2.1.0"`)

	t.Setenv("SCALPEL_OUTPUT_FORMAT", "yaml")
	_, err = execute(t, nil, "scan", src, "--rules", rulesPath)
	assert.ErrorContains(t, err, "failed to load or validate config")

	_, err = execute(t, nil, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "version")
	assert.NoError(t, err, "version needs no configuration")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
	assert.Equal(t, 130, ExitCode(context.Canceled))
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.ErrorContains(t, err, "configuration not found")

	cfg := config.NewDefaultConfig()
	got, err := getConfigFromContext(context.WithValue(context.Background(), configKey, config.Interface(cfg)))
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}
