// Package cli implements reliancectl, the operator tool for offline work on
// the engine's durable state: verifying and exporting the audit ledger,
// inspecting and compacting the notification journal, and dual-custody
// reconstruction of sealed evidence.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "RELIANCE"

// NewRootCmd builds the command tree. Every flag can also be set through a
// RELIANCE_* environment variable, e.g. --database-url as RELIANCE_DATABASE_URL.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "reliancectl",
		Short: "Operator tooling for the reliance engine",
		Long: `Operator tooling for the reliance engine.

Use reliancectl to verify or export the hash-chained audit ledger, inspect or
checkpoint the notification write-ahead log, and reconstruct sealed evidence
from both custody shards.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return v.BindPFlags(cmd.Flags())
		},
	}
	root.PersistentFlags().StringP("output", "o", "text", "Output format: text or json")

	root.AddCommand(newLedgerCmd(v), newWALCmd(v), newVaultCmd(v))
	return root
}

// Execute runs the CLI with the process arguments.
func Execute() error {
	return NewRootCmd().Execute()
}

func outputFormat(v *viper.Viper) (string, error) {
	switch f := v.GetString("output"); f {
	case "text", "json":
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown output format %q", ErrUsage, f)
	}
}
