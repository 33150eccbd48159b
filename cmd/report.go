package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-sast/internal/config"
	"github.com/xkilldash9x/scalpel-sast/internal/observability"
)

// newReportCmd re-renders a run stored with scan --persist.
func newReportCmd(provider storeProvider) *cobra.Command {
	var (
		runID      string
		outputPath string
		format     string
	)

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Render the report of a persisted scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			return runReport(cmd.Context(), observability.GetLogger(), cfg, provider, runID, format, outputPath, cmd.OutOrStdout())
		},
	}

	reportCmd.Flags().StringVar(&runID, "run-id", "", "id of the persisted run (required)")
	_ = reportCmd.MarkFlagRequired("run-id")
	reportCmd.Flags().StringVarP(&outputPath, "output", "o", "", "report path; stdout when unset")
	reportCmd.Flags().StringVarP(&format, "format", "f", "sarif", "report format: json or sarif")
	return reportCmd
}

func runReport(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	provider storeProvider,
	runID, format, outputPath string,
	stdout io.Writer,
) error {
	logger.Info("Loading persisted run.", zap.String("run_id", runID))

	s, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	report, err := s.GetReport(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return writeReport(logger, report, format, outputPath, nil, stdout)
}
