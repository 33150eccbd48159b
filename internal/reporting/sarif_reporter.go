package reporting

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
)

const (
	toolName           = "scalpel-sast"
	toolInformationURI = "https://github.com/xkilldash9x/scalpel-sast"
)

// RuleDescriptor is the rule catalog entry carried in SARIF output.
type RuleDescriptor struct {
	ID       string
	Message  string
	Severity schemas.Severity
	Metadata map[string]string
}

// SARIFReporter renders a report as a single SARIF 2.1.0 run.
type SARIFReporter struct {
	writer      io.WriteCloser
	toolVersion string
	rules       map[string]RuleDescriptor
}

// NewSARIFReporter creates a SARIFReporter. Rules referenced by findings but absent
// from rules get a descriptor derived from the first finding.
func NewSARIFReporter(w io.WriteCloser, toolVersion string, rules []RuleDescriptor) *SARIFReporter {
	byID := make(map[string]RuleDescriptor, len(rules))
	for _, r := range rules {
		byID[r.ID] = r
	}
	return &SARIFReporter{writer: w, toolVersion: toolVersion, rules: byID}
}

// Write renders and writes the report.
func (r *SARIFReporter) Write(report *schemas.Report) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}
	log, err := r.build(report)
	if err != nil {
		return err
	}
	if err := log.PrettyWrite(r.writer); err != nil {
		return fmt.Errorf("failed to write SARIF report: %w", err)
	}
	return nil
}

// Close closes the destination.
func (r *SARIFReporter) Close() error {
	return r.writer.Close()
}

func (r *SARIFReporter) build(report *schemas.Report) (*sarif.Report, error) {
	log, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, fmt.Errorf("failed to create SARIF report: %w", err)
	}
	run := sarif.NewRunWithInformationURI(toolName, toolInformationURI)
	if r.toolVersion != "" {
		version := r.toolVersion
		run.Tool.Driver.Version = &version
	}

	for _, desc := range r.descriptors(report.Findings) {
		rule := run.AddRule(desc.ID).
			WithDescription(desc.Message).
			WithDefaultConfiguration(&sarif.ReportingConfiguration{
				Level: sarifLevel(desc.Severity),
			})
		props := sarif.Properties{"severity": string(desc.Severity)}
		for k, v := range desc.Metadata {
			props[k] = v
		}
		rule.WithProperties(props)
	}

	results := make([]*sarif.Result, 0, len(report.Findings))
	for _, f := range report.Findings {
		result := sarif.NewRuleResult(f.RuleID).
			WithMessage(sarif.NewTextMessage(f.Message)).
			WithLevel(sarifLevel(f.Severity)).
			WithLocations([]*sarif.Location{sarifLocation(f.Location)})
		if len(f.TaintPath) > 0 {
			steps := make([]*sarif.ThreadFlowLocation, 0, len(f.TaintPath))
			for _, step := range f.TaintPath {
				steps = append(steps, &sarif.ThreadFlowLocation{Location: sarifLocation(step)})
			}
			result.CodeFlows = []*sarif.CodeFlow{{
				ThreadFlows: []*sarif.ThreadFlow{{Locations: steps}},
			}}
		}
		results = append(results, result)
	}
	// Results is set directly so an empty run still serializes as "results": [].
	run.Results = results

	log.AddRun(run)
	return log, nil
}

// descriptors returns one entry per rule that produced a finding plus every
// catalog rule, sorted by id.
func (r *SARIFReporter) descriptors(findings []schemas.Finding) []RuleDescriptor {
	seen := make(map[string]RuleDescriptor, len(r.rules))
	for id, d := range r.rules {
		seen[id] = d
	}
	for _, f := range findings {
		if _, ok := seen[f.RuleID]; ok {
			continue
		}
		seen[f.RuleID] = RuleDescriptor{ID: f.RuleID, Message: f.Message, Severity: f.Severity, Metadata: f.Metadata}
	}
	out := make([]RuleDescriptor, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sarifLocation(l schemas.Location) *sarif.Location {
	uri := filepath.ToSlash(l.File)
	region := &sarif.Region{}
	if l.StartLine > 0 {
		region.StartLine = intPtr(l.StartLine)
		region.StartColumn = intPtr(l.StartCol)
		region.EndLine = intPtr(l.EndLine)
		region.EndColumn = intPtr(l.EndCol)
	}
	return &sarif.Location{
		PhysicalLocation: &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{URI: &uri},
			Region:           region,
		},
	}
}

// sarifLevel maps a severity onto the SARIF level vocabulary.
func sarifLevel(s schemas.Severity) string {
	switch s {
	case schemas.SeverityCritical, schemas.SeverityError:
		return "error"
	case schemas.SeverityWarning:
		return "warning"
	case schemas.SeverityInfo:
		return "note"
	default:
		return "none"
	}
}

func intPtr(v int) *int { return &v }
