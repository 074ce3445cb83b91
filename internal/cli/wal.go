package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reliance/internal/notify"
	"reliance/internal/notify/wal"
)

func newWALCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect or compact the notification write-ahead log",
	}

	inspect := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Summarize journal records and list events still pending delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(v)
			if err != nil {
				return err
			}
			records, err := wal.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRuntime, err)
			}
			summary := summarize(records)

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			fmt.Fprintf(out, "records: %d\n", summary.Records)
			for _, op := range sortedKeys(summary.ByOp) {
				fmt.Fprintf(out, "  %-12s %d\n", op, summary.ByOp[op])
			}
			fmt.Fprintf(out, "pending events: %d\n", len(summary.Pending))
			for _, ev := range summary.Pending {
				fmt.Fprintf(out, "  %s %s attempts=%d next=%s\n", ev.ID, ev.Type, ev.Attempts, ev.NextAttemptAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}

	checkpoint := &cobra.Command{
		Use:   "checkpoint <file>",
		Short: "Rewrite the journal keeping only events that are not yet terminal",
		Long: `Rewrite the journal keeping only events that are not yet delivered or
dead-lettered. The journal must not be open in a running server; the command
refuses to run while another process holds it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := wal.Open(args[0])
			if errors.Is(err, wal.ErrLocked) {
				return fmt.Errorf("%w: journal is in use, stop the server before checkpointing: %v", ErrRuntime, err)
			}
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRuntime, err)
			}
			defer log.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			kept, err := log.Checkpoint(ctx)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrRuntime, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checkpoint complete: %d pending events kept\n", kept)
			return nil
		},
	}

	cmd.AddCommand(inspect, checkpoint)
	return cmd
}

type walSummary struct {
	Records int                    `json:"records"`
	ByOp    map[string]int         `json:"by_op"`
	Pending []notify.OutboundEvent `json:"pending"`
}

func summarize(records []notify.JournalRecord) walSummary {
	s := walSummary{Records: len(records), ByOp: map[string]int{}}
	for _, r := range records {
		s.ByOp[r.Op]++
	}
	s.Pending = wal.Pending(records)
	// payloads carry investor data
	for i := range s.Pending {
		s.Pending[i].Payload = nil
	}
	return s
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
