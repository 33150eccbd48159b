package schemas

import (
	"fmt"
	"strings"
)

// -- Finding Schemas --

// Severity represents the severity level of a finding. The values are lowercase to
// align with the database ENUM and with downstream serializers.
type Severity string

// Constants defining the supported severity levels.
const (
	SeverityInfo     Severity = "info"     // Informational, no direct risk.
	SeverityWarning  Severity = "warning"  // Suspicious code worth a review.
	SeverityError    Severity = "error"    // Likely defect or vulnerability.
	SeverityCritical Severity = "critical" // Exploitable vulnerability.
)

// String implements fmt.Stringer.
func (s Severity) String() string { return string(s) }

// Rank orders severities from least (0) to most severe (3). Unknown values rank -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// ParseSeverity maps a rule author's severity onto the enum. It accepts the
// canonical names in any case plus the LOW/MEDIUM/HIGH spelling common in rule packs.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "informational", "low":
		return SeverityInfo, nil
	case "warning", "warn", "medium":
		return SeverityWarning, nil
	case "error", "high":
		return SeverityError, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Confidence describes how likely a finding is a true positive.
type Confidence string

// Constants for confidence levels.
const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// String implements fmt.Stringer.
func (c Confidence) String() string { return string(c) }

// ParseConfidence maps a rule author's confidence onto the enum. An empty value is medium.
func ParseConfidence(s string) (Confidence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ConfidenceLow, nil
	case "", "medium":
		return ConfidenceMedium, nil
	case "high":
		return ConfidenceHigh, nil
	default:
		return "", fmt.Errorf("unknown confidence %q", s)
	}
}

// Location is a source span. Lines and columns are 1-based; the end is exclusive
// of the last column, in the tree-sitter sense.
type Location struct {
	File      string `json:"file"`
	StartLine int    `json:"start_line"`
	StartCol  int    `json:"start_col"`
	EndLine   int    `json:"end_line"`
	EndCol    int    `json:"end_col"`
}

// String formats the location as file:line:col.
func (l Location) String() string {
	return fmt.Sprintf("%s:%d:%d", l.File, l.StartLine, l.StartCol)
}

// Less orders locations by file, then start position, then end position.
func (l Location) Less(o Location) bool {
	if l.File != o.File {
		return l.File < o.File
	}
	if l.StartLine != o.StartLine {
		return l.StartLine < o.StartLine
	}
	if l.StartCol != o.StartCol {
		return l.StartCol < o.StartCol
	}
	if l.EndLine != o.EndLine {
		return l.EndLine < o.EndLine
	}
	return l.EndCol < o.EndCol
}

// Finding is a single rule match. The JSON shape is consumed as-is by the JSON and
// SARIF writers and by the `findings` table.
type Finding struct {
	RuleID     string     `json:"rule_id"`
	Severity   Severity   `json:"severity"`
	Confidence Confidence `json:"confidence"`
	// Message has every bound metavariable substituted.
	Message  string   `json:"message"`
	Location Location `json:"location"`
	// TaintPath is the ordered list of locations from source to sink, set only by taint rules.
	TaintPath []Location        `json:"taint_path,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Fix is the rule's suggested replacement with metavariables substituted.
	Fix string `json:"fix,omitempty"`
	// Snippet is the matched source text, kept for text output and triage.
	Snippet string `json:"snippet,omitempty"`
}

// Key identifies a finding for deduplication: the same rule at the same range is one finding.
func (f Finding) Key() string {
	l := f.Location
	return fmt.Sprintf("%s|%s|%d:%d-%d:%d", f.RuleID, l.File, l.StartLine, l.StartCol, l.EndLine, l.EndCol)
}
