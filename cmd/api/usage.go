package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/bubble-relay/internal/model/chat"
	"github.com/zhouzirui/bubble-relay/internal/storage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Print the recorded token usage per chat",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Storage.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is not set, no usage has been stored")
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		store, err := storage.Open(ctx, cfg.Storage.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		rows, err := store.UsageByChat(ctx)
		if err != nil {
			return err
		}
		total, err := store.TotalUsage(ctx)
		if err != nil {
			return err
		}
		return printUsage(cmd.OutOrStdout(), rows, total)
	},
}

func printUsage(out io.Writer, rows []chat.UsageTotals, total chat.UsageTotals) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHAT\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
			row.ChatID, row.Requests, row.PromptTokens, row.CompletionTokens, row.TotalTokens())
	}
	fmt.Fprintf(w, "all\t%d\t%d\t%d\t%d\n",
		total.Requests, total.PromptTokens, total.CompletionTokens, total.TotalTokens())
	return w.Flush()
}
