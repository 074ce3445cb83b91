package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reliance/internal/ledger"
	ledgerstore "reliance/internal/ledger/store"
	"reliance/internal/platform/config"
	"reliance/internal/platform/postgres"
)

func newLedgerCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Verify or export the audit ledger",
	}
	cmd.PersistentFlags().String("database-url", "", "Read the ledger from PostgreSQL instead of a JSONL file")

	verify := &cobra.Command{
		Use:   "verify [file]",
		Short: "Recompute every hash and report all chain breaks",
		Long: `Recompute every entry hash and check every link of the chain.

All breaks are reported, not only the first. The command exits with status 3
when the chain does not verify.

Examples:
  reliancectl ledger verify data/audit_ledger.jsonl
  RELIANCE_DATABASE_URL=postgres://... reliancectl ledger verify`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := loadEntries(cmd.Context(), v, args)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), v, ledger.VerifyChain(entries))
		},
	}

	export := &cobra.Command{
		Use:   "export [file]",
		Short: "Print ledger entries as JSON lines",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := loadEntries(cmd.Context(), v, args)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return fmt.Errorf("%w: %v", ErrRuntime, err)
				}
			}
			return nil
		},
	}

	cmd.AddCommand(verify, export)
	return cmd
}

func loadEntries(ctx context.Context, v *viper.Viper, args []string) ([]ledger.Entry, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if dsn := v.GetString("database-url"); dsn != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("%w: pass either a file or --database-url", ErrUsage)
		}
		db, err := postgres.Open(ctx, config.PostgresConfig{URL: dsn})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
		}
		defer db.Close()
		entries, err := ledgerstore.NewPostgresStore(db).List(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
		}
		return entries, nil
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("%w: a ledger file or --database-url is required", ErrUsage)
	}
	entries, err := ledgerstore.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	return entries, nil
}

func writeReport(w io.Writer, v *viper.Viper, report ledger.VerifyReport) error {
	format, err := outputFormat(v)
	if err != nil {
		return err
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("%w: %v", ErrRuntime, err)
		}
	} else {
		if report.Valid {
			fmt.Fprintf(w, "ledger verified: %d entries, chain intact\n", report.Entries)
		} else {
			fmt.Fprintf(w, "ledger INVALID: %d entries, %d breaks\n", report.Entries, len(report.Breaks))
			for _, b := range report.Breaks {
				fmt.Fprintf(w, "  entry %d: %s: %s\n", b.Sequence, b.Kind, b.Detail)
			}
		}
	}
	if !report.Valid {
		return fmt.Errorf("%w: %d chain breaks", ErrIntegrity, len(report.Breaks))
	}
	return nil
}
