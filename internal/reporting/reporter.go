// Package reporting renders a run report as JSON or SARIF.
package reporting

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
)

// Supported output formats.
const (
	FormatJSON  = "json"
	FormatSARIF = "sarif"
)

// Reporter writes a finished report to its destination. Close releases the
// destination; it does not write anything.
type Reporter interface {
	Write(report *schemas.Report) error
	Close() error
}

// nopWriteCloser keeps os.Stdout open when the reporter is closed.
type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// Open resolves an output path. An empty path or "stdout" means standard output.
func Open(outputPath string) (io.WriteCloser, error) {
	if outputPath == "" || outputPath == "stdout" {
		return nopWriteCloser{os.Stdout}, nil
	}
	file, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
	}
	return file, nil
}

// New builds a reporter for format writing to outputPath. rules describes the
// loaded rules for formats that carry a rule catalog; it may be nil.
func New(format, outputPath, toolVersion string, rules []RuleDescriptor) (Reporter, error) {
	format = strings.ToLower(format)
	if format != FormatJSON && format != FormatSARIF {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	writer, err := Open(outputPath)
	if err != nil {
		return nil, err
	}
	if format == FormatSARIF {
		return NewSARIFReporter(writer, toolVersion, rules), nil
	}
	return NewJSONReporter(writer), nil
}
