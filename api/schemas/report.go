package schemas

import (
	"time"
)

// -- Run Report Schemas --

// RuleError reports a rule that could not be loaded or failed while running.
// Either way the rest of the batch proceeds.
type RuleError struct {
	RuleID string `json:"rule_id,omitempty"`
	// Source is the rule file the rule came from, when known.
	Source string `json:"source,omitempty"`
	// File is set when the failure happened while analyzing a specific file.
	File    string `json:"file,omitempty"`
	Message string `json:"message"`
}

// FileError reports a file that was skipped, usually because it could not be parsed.
type FileError struct {
	File     string `json:"file"`
	Language string `json:"language,omitempty"`
	Message  string `json:"message"`
}

// WarningCode classifies non-fatal problems attached to a run.
type WarningCode string

const (
	WarningConstraintEvaluation WarningCode = "ConstraintEvaluationError"
	WarningMatchBudget          WarningCode = "MatchBudgetExceeded"
	WarningPartialParse         WarningCode = "PartialParse"
)

// Warning is a non-fatal problem. The affected candidate or subtree was excluded and
// analysis continued.
type Warning struct {
	Code    WarningCode `json:"code"`
	RuleID  string      `json:"rule_id,omitempty"`
	File    string      `json:"file,omitempty"`
	Message string      `json:"message"`
}

// RunStats summarizes a batch run.
type RunStats struct {
	FilesScanned int           `json:"files_scanned"`
	FilesSkipped int           `json:"files_skipped"`
	RulesLoaded  int           `json:"rules_loaded"`
	Duration     time.Duration `json:"duration_ns"`
}

// Report is the terminal output of a batch run: findings plus everything that went
// wrong along the way. Nothing is silently dropped.
type Report struct {
	RunID      string      `json:"run_id"`
	StartedAt  time.Time   `json:"started_at"`
	Findings   []Finding   `json:"findings"`
	RuleErrors []RuleError `json:"rule_errors,omitempty"`
	FileErrors []FileError `json:"file_errors,omitempty"`
	Warnings   []Warning   `json:"warnings,omitempty"`
	Stats      RunStats    `json:"stats"`
	// Truncated is set when the max-findings cap was reached.
	Truncated bool `json:"truncated,omitempty"`
}

// HasBlocking reports whether any finding is at or above the given severity.
func (r *Report) HasBlocking(min Severity) bool {
	for _, f := range r.Findings {
		if f.Severity.Rank() >= min.Rank() {
			return true
		}
	}
	return false
}
