package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
	"github.com/xkilldash9x/scalpel-sast/internal/config"
	"github.com/xkilldash9x/scalpel-sast/internal/discovery"
	"github.com/xkilldash9x/scalpel-sast/internal/engine"
	"github.com/xkilldash9x/scalpel-sast/internal/observability"
	"github.com/xkilldash9x/scalpel-sast/internal/parser"
	"github.com/xkilldash9x/scalpel-sast/internal/reporting"
	"github.com/xkilldash9x/scalpel-sast/internal/rules"
)

// ErrBlockingFindings is returned by scan --fail-on-findings when a finding of
// severity error or critical was reported.
var ErrBlockingFindings = errors.New("findings at or above error severity were reported")

type scanOptions struct {
	RulePaths      []string
	Persist        bool
	FailOnFindings bool
	IncludeIgnored bool
}

func newScanCmd(provider storeProvider) *cobra.Command {
	var opts scanOptions

	scanCmd := &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Analyze source files with a set of rules",
		Long: `Discovers source files under the given paths, evaluates every applicable
rule against them and writes a JSON or SARIF report.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := applyScanFlags(cmd, cfg); err != nil {
				return err
			}
			return runScan(cmd.Context(), observability.GetLogger(), cfg, opts, args, provider, cmd.OutOrStdout())
		},
	}

	flags := scanCmd.Flags()
	flags.StringSliceVarP(&opts.RulePaths, "rules", "r", nil, "rule file or directory (repeatable)")
	_ = scanCmd.MarkFlagRequired("rules")
	flags.StringP("format", "f", "", "report format: json or sarif (overrides config)")
	flags.StringP("output", "o", "", "report path; stdout when unset (overrides config)")
	flags.IntP("concurrency", "j", 0, "number of files analyzed in parallel (overrides config)")
	flags.Int("max-findings", 0, "stop after this many findings, 0 for unlimited (overrides config)")
	flags.String("not-inside-scope", "", "default pattern-not-inside scope: lexical or file (overrides config)")
	flags.BoolVar(&opts.Persist, "persist", false, "store the report in the configured database")
	flags.BoolVar(&opts.FailOnFindings, "fail-on-findings", false, "exit non-zero when error or critical findings are reported")
	flags.BoolVar(&opts.IncludeIgnored, "include-ignored", false, "also scan vendor, node_modules and hidden directories")
	return scanCmd
}

// applyScanFlags writes explicitly set flags over the loaded configuration.
func applyScanFlags(cmd *cobra.Command, cfg config.Interface) error {
	flags := cmd.Flags()
	if flags.Changed("format") {
		v, _ := flags.GetString("format")
		cfg.SetOutputFormat(v)
	}
	if flags.Changed("output") {
		v, _ := flags.GetString("output")
		cfg.SetOutputPath(v)
	}
	if flags.Changed("concurrency") {
		v, _ := flags.GetInt("concurrency")
		if v <= 0 {
			return fmt.Errorf("--concurrency must be positive, got %d", v)
		}
		cfg.SetEngineWorkerConcurrency(v)
	}
	if flags.Changed("max-findings") {
		v, _ := flags.GetInt("max-findings")
		if v < 0 {
			return fmt.Errorf("--max-findings must not be negative, got %d", v)
		}
		cfg.SetEngineMaxFindings(v)
	}
	if flags.Changed("not-inside-scope") {
		v, _ := flags.GetString("not-inside-scope")
		cfg.SetAnalysisNotInsideScope(v)
	}
	return nil
}

// runScan wires the pipeline: rules, discovery, engine, reporter and optional store.
func runScan(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	opts scanOptions,
	targets []string,
	provider storeProvider,
	stdout io.Writer,
) error {
	p := parser.New(logger, parser.Options{Strict: cfg.Analysis().StrictParse})

	set, ruleErrs := rules.NewLoader(rules.NewCompiler(p), logger).Load(opts.RulePaths...)
	for _, e := range ruleErrs {
		logger.Warn("Rule was not loaded.", zap.String("rule_id", e.RuleID), zap.String("source", e.Source), zap.String("reason", e.Message))
	}
	if set.Len() == 0 {
		return fmt.Errorf("no valid rules loaded from %v", opts.RulePaths)
	}

	files, err := discovery.NewWalker(logger, discovery.Options{
		Languages:      set.Languages(),
		IncludeIgnored: opts.IncludeIgnored,
	}).Walk(ctx, targets...)
	if err != nil {
		return fmt.Errorf("failed to discover files: %w", err)
	}

	eng, err := engine.New(cfg, logger, p)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	report, runErr := eng.Run(ctx, set, files)
	if report == nil {
		return runErr
	}
	report.RuleErrors = append(ruleErrs, report.RuleErrors...)

	// A cancelled run still writes what it has.
	if err := writeReport(logger, report, cfg.Output().Format, cfg.Output().Path, describeRules(set), stdout); err != nil {
		return err
	}

	if opts.Persist {
		if err := persistReport(ctx, logger, cfg, provider, report); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if opts.FailOnFindings && report.HasBlocking(schemas.SeverityError) {
		return ErrBlockingFindings
	}
	return nil
}

// writeReport renders report with the configured reporter. stdout replaces the
// process stdout when the path is empty, which keeps command output testable.
func writeReport(logger *zap.Logger, report *schemas.Report, format, path string, catalog []reporting.RuleDescriptor, stdout io.Writer) error {
	var (
		reporter reporting.Reporter
		err      error
	)
	if path == "" || path == "stdout" {
		reporter, err = reporterFor(format, stdout, catalog)
	} else {
		reporter, err = reporting.New(format, path, Version, catalog)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize reporter: %w", err)
	}
	defer func() {
		if err := reporter.Close(); err != nil {
			logger.Warn("Failed to close reporter cleanly.", zap.Error(err))
		}
	}()

	if err := reporter.Write(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if path != "" {
		logger.Info("Report written.", zap.String("path", path), zap.String("format", format))
	}
	return nil
}

func reporterFor(format string, w io.Writer, catalog []reporting.RuleDescriptor) (reporting.Reporter, error) {
	wc := nopCloser{w}
	switch strings.ToLower(format) {
	case reporting.FormatJSON:
		return reporting.NewJSONReporter(wc), nil
	case reporting.FormatSARIF:
		return reporting.NewSARIFReporter(wc, Version, catalog), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func describeRules(set *rules.RuleSet) []reporting.RuleDescriptor {
	out := make([]reporting.RuleDescriptor, 0, set.Len())
	for _, r := range set.Rules() {
		out = append(out, reporting.RuleDescriptor{
			ID:       r.ID,
			Message:  r.Message,
			Severity: r.Severity,
			Metadata: r.Metadata,
		})
	}
	return out
}

func persistReport(ctx context.Context, logger *zap.Logger, cfg config.Interface, provider storeProvider, report *schemas.Report) error {
	// Persisting a partial report after cancellation still needs a live context.
	ctx = context.WithoutCancel(ctx)
	s, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := s.PersistReport(ctx, report); err != nil {
		return fmt.Errorf("failed to persist report: %w", err)
	}
	logger.Info("Report persisted.", zap.String("run_id", report.RunID))
	return nil
}
