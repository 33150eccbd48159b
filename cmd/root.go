// Package cmd implements the scalpel-sast command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-sast/internal/config"
	"github.com/xkilldash9x/scalpel-sast/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// newRootCmd builds the command tree. Every call returns an independent tree so
// tests never share flag state.
func newRootCmd(provider storeProvider) *cobra.Command {
	var (
		cfgFile string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:           "scalpel-sast",
		Short:         "Scalpel is a multi-language static analysis engine.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "scalpel-sast"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger())
			if verbose {
				observability.SetLevel(zap.DebugLevel)
			}
			observability.GetLogger().Debug("Starting scalpel-sast", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newScanCmd(provider))
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newReportCmd(provider))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command line with ctx, which is normally signal-aware.
func Execute(ctx context.Context) error {
	err := newRootCmd(NewStoreProvider()).ExecuteContext(ctx)
	if err != nil && !errors.Is(err, ErrBlockingFindings) {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	observability.Sync()
	return err
}

// ExitCode maps the result of Execute onto a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

// initializeConfig reads the config file and SCALPEL_* environment variables.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SCALPEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}
	return nil
}

func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	if ctx == nil {
		return nil, errors.New("command context is nil")
	}
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}
