package cli

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reliance/internal/evidence"
	evstore "reliance/internal/evidence/store"
	"reliance/internal/platform/config"
	"reliance/internal/platform/postgres"
	"reliance/internal/platform/sqlite"
	"reliance/internal/vault"
)

func newVaultCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Dual-custody operations on sealed evidence",
	}

	reconstruct := &cobra.Command{
		Use:   "reconstruct",
		Short: "Reassemble the key from both shards and print the sealed record",
		Long: `Reassemble the data key from shard A and the counterparty's shard B and
print the decrypted record.

The sealed record either comes from an evidence store (--transaction-id with
--evidence-sqlite or --database-url) or is passed directly as base64 flags.
Offline reconstruction is not recorded on the audit ledger; prefer the admin
API when the server is running.

Examples:
  reliancectl vault reconstruct --transaction-id tx-1 --evidence-sqlite data/evidence.db --shard-b <b64>
  reliancectl vault reconstruct --ciphertext <b64> --nonce <b64> --tag <b64> --shard-a <b64> --shard-b <b64>`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			shardB, err := decodeFlag(v, "shard-b")
			if err != nil {
				return err
			}
			rec, err := sealedRecord(ctx, v)
			if err != nil {
				return err
			}

			plain, err := vault.New().Reconstruct(rec.Ciphertext, rec.Nonce, rec.Tag, rec.ShardA, shardB)
			if err != nil {
				var decErr *vault.DecryptionError
				if errors.As(err, &decErr) {
					return fmt.Errorf("%w: %v", ErrIntegrity, err)
				}
				return fmt.Errorf("%w: %v", ErrRuntime, err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: offline reconstruction is not recorded on the audit ledger")
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(plain))
			return err
		},
	}
	f := reconstruct.Flags()
	f.String("transaction-id", "", "Load the sealed record for this transaction from an evidence store")
	f.String("evidence-sqlite", "", "SQLite evidence database")
	f.String("database-url", "", "PostgreSQL evidence database")
	f.String("ciphertext", "", "Base64 ciphertext")
	f.String("nonce", "", "Base64 nonce")
	f.String("tag", "", "Base64 authentication tag")
	f.String("shard-a", "", "Base64 shard A")
	f.String("shard-b", "", "Base64 shard B held by the counterparty")
	reconstruct.MarkFlagsMutuallyExclusive("evidence-sqlite", "database-url")
	reconstruct.MarkFlagsMutuallyExclusive("transaction-id", "ciphertext")
	reconstruct.MarkFlagsRequiredTogether("ciphertext", "nonce", "tag", "shard-a")

	cmd.AddCommand(reconstruct)
	return cmd
}

func decodeFlag(v *viper.Viper, name string) ([]byte, error) {
	raw := v.GetString(name)
	if raw == "" {
		return nil, fmt.Errorf("%w: --%s is required", ErrUsage, name)
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: --%s is not valid base64", ErrUsage, name)
	}
	return b, nil
}

func sealedRecord(ctx context.Context, v *viper.Viper) (*evidence.Record, error) {
	txID := v.GetString("transaction-id")
	if txID == "" {
		rec := &evidence.Record{}
		var err error
		if rec.Ciphertext, err = decodeFlag(v, "ciphertext"); err != nil {
			return nil, err
		}
		if rec.Nonce, err = decodeFlag(v, "nonce"); err != nil {
			return nil, err
		}
		if rec.Tag, err = decodeFlag(v, "tag"); err != nil {
			return nil, err
		}
		if rec.ShardA, err = decodeFlag(v, "shard-a"); err != nil {
			return nil, err
		}
		return rec, nil
	}

	var store evidence.Store
	switch {
	case v.GetString("evidence-sqlite") != "":
		db, err := sqlite.Open(ctx, v.GetString("evidence-sqlite"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
		}
		defer db.Close()
		store = evstore.NewSQLiteStore(db)
	case v.GetString("database-url") != "":
		db, err := postgres.Open(ctx, config.PostgresConfig{URL: v.GetString("database-url")})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRuntime, err)
		}
		defer db.Close()
		store = evstore.NewPostgresStore(db)
	default:
		return nil, fmt.Errorf("%w: --transaction-id needs --evidence-sqlite or --database-url", ErrUsage)
	}

	rec, err := store.Get(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("%w: load evidence %s: %v", ErrRuntime, txID, err)
	}
	return rec, nil
}
