package reporting

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONReporter writes the report in its native schema, indented.
type JSONReporter struct {
	writer io.WriteCloser
}

// NewJSONReporter creates a JSONReporter.
func NewJSONReporter(w io.WriteCloser) *JSONReporter {
	return &JSONReporter{writer: w}
}

// Write encodes the report.
func (r *JSONReporter) Write(report *schemas.Report) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}
	enc := json.NewEncoder(r.writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode JSON report: %w", err)
	}
	return nil
}

// Close closes the destination.
func (r *JSONReporter) Close() error {
	return r.writer.Close()
}
