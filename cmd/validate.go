package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-sast/api/schemas"
	"github.com/xkilldash9x/scalpel-sast/internal/observability"
	"github.com/xkilldash9x/scalpel-sast/internal/parser"
	"github.com/xkilldash9x/scalpel-sast/internal/rules"
)

func newValidateCmd() *cobra.Command {
	var rulePaths []string

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Compile rule files and report every invalid rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(observability.GetLogger(), rulePaths, cmd.OutOrStdout())
		},
	}
	validateCmd.Flags().StringSliceVarP(&rulePaths, "rules", "r", nil, "rule file or directory (repeatable)")
	_ = validateCmd.MarkFlagRequired("rules")
	return validateCmd
}

func runValidate(logger *zap.Logger, rulePaths []string, out io.Writer) error {
	p := parser.New(logger, parser.Options{})
	set, ruleErrs := rules.NewLoader(rules.NewCompiler(p), logger).Load(rulePaths...)

	for _, e := range ruleErrs {
		fmt.Fprintln(out, formatRuleError(e))
	}
	fmt.Fprintf(out, "%d rules valid, %d invalid\n", set.Len(), len(ruleErrs))
	if len(ruleErrs) > 0 {
		return fmt.Errorf("%d invalid rules", len(ruleErrs))
	}
	return nil
}

func formatRuleError(e schemas.RuleError) string {
	where := e.Source
	if where == "" {
		where = "<unknown>"
	}
	if e.RuleID != "" {
		return fmt.Sprintf("%s: %s: %s", where, e.RuleID, e.Message)
	}
	return fmt.Sprintf("%s: %s", where, e.Message)
}
