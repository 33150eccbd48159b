// Package engine schedules rule evaluation over a batch of files and assembles the
// run report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
	"github.com/xkilldash9x/scalpel-sast/internal/ast"
	"github.com/xkilldash9x/scalpel-sast/internal/config"
	"github.com/xkilldash9x/scalpel-sast/internal/discovery"
	"github.com/xkilldash9x/scalpel-sast/internal/matcher"
	"github.com/xkilldash9x/scalpel-sast/internal/rules"
)

// Parser is the tree-producing capability the engine consumes.
type Parser interface {
	Parse(ctx context.Context, path string, source []byte, lang ast.Language) (*ast.Tree, error)
}

// Engine runs a rule set over many files with a bounded worker pool.
type Engine struct {
	cfg      config.Interface
	logger   *zap.Logger
	parser   Parser
	analyzer *Analyzer
	now      func() time.Time
}

// New creates an Engine. Dependencies are validated up front so a misconfigured
// engine fails at construction rather than mid-run.
func New(cfg config.Interface, logger *zap.Logger, parser Parser) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if parser == nil {
		return nil, errors.New("parser cannot be nil")
	}
	scope, err := matcher.ParseNotInsideScope(strings.ToLower(cfg.Analysis().NotInsideScope))
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "engine")),
		parser: parser,
		analyzer: NewAnalyzer(logger, AnalyzerOptions{
			Budget:         cfg.Analysis().MatchBudget,
			NotInsideScope: scope,
			TaintSummaries: cfg.Analysis().TaintSummaries,
		}),
		now: time.Now,
	}, nil
}

// fileResult is the slot one worker fills for one file.
type fileResult struct {
	Result
	fileErr *schemas.FileError
	scanned bool
}

// Run analyzes files with the rules in set. Results are collected per file index so
// the report does not depend on scheduling. On cancellation the report holds
// everything finished so far and the context error is returned alongside it.
func (e *Engine) Run(ctx context.Context, set *rules.RuleSet, files []discovery.File) (*schemas.Report, error) {
	report := &schemas.Report{
		RunID:     uuid.NewString(),
		StartedAt: e.now().UTC(),
	}
	report.Stats.RulesLoaded = set.Len()

	concurrency := e.cfg.Engine().WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	maxFindings := e.cfg.Engine().MaxFindings

	logger := e.logger.With(zap.String("run_id", report.RunID))
	logger.Info("Starting scan.",
		zap.Int("files", len(files)), zap.Int("rules", set.Len()), zap.Int("concurrency", concurrency))

	slots := make([]fileResult, len(files))
	var produced atomic.Int64
	var capped atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range files {
		if gctx.Err() != nil {
			break
		}
		if maxFindings > 0 && produced.Load() >= int64(maxFindings) {
			capped.Store(true)
			break
		}
		i := i
		g.Go(func() error {
			slots[i] = e.processFile(gctx, set, files[i], logger)
			produced.Add(int64(len(slots[i].Findings)))
			return nil
		})
	}
	// Workers never return errors; a file failure is recorded in its slot.
	_ = g.Wait()

	for i := range slots {
		s := &slots[i]
		if s.scanned {
			report.Stats.FilesScanned++
		} else {
			report.Stats.FilesSkipped++
		}
		if s.fileErr != nil {
			report.FileErrors = append(report.FileErrors, *s.fileErr)
		}
		report.Findings = append(report.Findings, s.Findings...)
		report.Warnings = append(report.Warnings, s.Warnings...)
		report.RuleErrors = append(report.RuleErrors, s.RuleErrors...)
	}

	report.Findings = dedupeFindings(report.Findings)
	if maxFindings > 0 && len(report.Findings) > maxFindings {
		report.Findings = report.Findings[:maxFindings]
		capped.Store(true)
	}
	report.Truncated = capped.Load()
	if report.Findings == nil {
		report.Findings = []schemas.Finding{}
	}
	sortFileErrors(report.FileErrors)
	report.Stats.Duration = e.now().Sub(report.StartedAt)

	logger.Info("Scan finished.",
		zap.Int("findings", len(report.Findings)),
		zap.Int("files_scanned", report.Stats.FilesScanned),
		zap.Int("file_errors", len(report.FileErrors)),
		zap.Int("rule_errors", len(report.RuleErrors)),
		zap.Int("warnings", len(report.Warnings)),
		zap.Bool("truncated", report.Truncated),
		zap.Duration("duration", report.Stats.Duration))

	if err := ctx.Err(); err != nil {
		logger.Warn("Scan was cancelled; the report is partial.", zap.Error(err))
		return report, err
	}
	return report, nil
}

// processFile handles the execution of a single file.
func (e *Engine) processFile(ctx context.Context, set *rules.RuleSet, file discovery.File, logger *zap.Logger) fileResult {
	logger = logger.With(zap.String("file", file.Path))
	fileErr := func(format string, args ...any) fileResult {
		return fileResult{fileErr: &schemas.FileError{
			File:     file.Path,
			Language: file.Language.String(),
			Message:  fmt.Sprintf(format, args...),
		}}
	}

	if ctx.Err() != nil {
		return fileResult{}
	}
	ruleList := set.ForFile(file.Path, file.Language)
	if len(ruleList) == 0 {
		logger.Debug("No rules apply to file.")
		return fileResult{}
	}

	maxBytes := e.cfg.Engine().MaxFileBytes
	source := file.Content
	if source == nil {
		if maxBytes > 0 && file.Size > maxBytes {
			return fileErr("file is %d bytes, larger than the %d byte limit", file.Size, maxBytes)
		}
		var err error
		if source, err = os.ReadFile(file.Path); err != nil {
			return fileErr("cannot read file: %v", err)
		}
	}
	if maxBytes > 0 && int64(len(source)) > maxBytes {
		return fileErr("file is %d bytes, larger than the %d byte limit", len(source), maxBytes)
	}

	fileCtx := ctx
	if timeout := e.cfg.Engine().FileTimeout; timeout > 0 {
		var cancel context.CancelFunc
		fileCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tree, err := e.parser.Parse(fileCtx, file.Path, source, file.Language)
	if err != nil {
		if ctx.Err() != nil {
			return fileResult{}
		}
		logger.Warn("Skipping file that could not be parsed.", zap.Error(err))
		return fileErr("%v", err)
	}

	res, err := e.analyzer.Analyze(fileCtx, tree, ruleList)
	out := fileResult{Result: res, scanned: true}
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		// Partial results are kept; the remaining rules for the file are reported.
		logger.Warn("File analysis timed out. Keeping partial results.", zap.Error(err))
		out.fileErr = &schemas.FileError{
			File:     file.Path,
			Language: file.Language.String(),
			Message:  fmt.Sprintf("analysis exceeded the %s file timeout; results are partial", e.cfg.Engine().FileTimeout),
		}
	}
	for _, w := range res.Warnings {
		logger.Warn("Analysis warning.",
			zap.String("code", string(w.Code)), zap.String("rule_id", w.RuleID), zap.String("detail", w.Message))
	}
	return out
}

func sortFileErrors(errs []schemas.FileError) {
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].File < errs[j].File })
}
