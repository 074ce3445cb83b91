// reliancectl is the operator command-line tool for the reliance engine.
//
// Usage:
//
//	reliancectl ledger verify data/audit_ledger.jsonl
//	reliancectl ledger export --database-url postgres://...
//	reliancectl wal inspect data/notify_wal.jsonl
//	reliancectl wal checkpoint data/notify_wal.jsonl
//	reliancectl vault reconstruct --transaction-id tx-1 --evidence-sqlite data/evidence.db --shard-b <base64>
package main

import (
	"fmt"
	"os"

	"reliance/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.ExitCode(err))
	}
}
