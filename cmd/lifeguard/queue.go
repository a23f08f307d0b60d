package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lifeguard/internal/app"
	"lifeguard/internal/config"
	logx "lifeguard/pkg/logx"
)

var (
	queueLimit int
	queueJSON  bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Print the offline delivery queue",
	Long: `Print the messages waiting in the offline queue, oldest first.
Reads the storage backend directly; the memory driver has no persistent queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFile(cfgPath)
		if err != nil {
			return err
		}
		store, err := app.OpenStorage(cfg, logx.Nop())
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		n, err := store.Len(ctx)
		if err != nil {
			return err
		}
		entries, err := store.Peek(ctx, queueLimit)
		if err != nil {
			return err
		}

		if queueJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"length": n, "entries": entries})
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tID\tENQUEUED\tREASON\tSUBJECT\tOBSERVER\tLEVEL\tTIERS\tRETRIES")
		for _, e := range entries {
			m := e.Message
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%v\t%d\n",
				e.Seq, e.ID, e.EnqueuedAt.Format(time.RFC3339), e.Reason, m.SubjectID, m.ObserverID, m.Level, m.Tiers, e.Retries)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		cmd.Printf("%d queued, %d shown\n", n, len(entries))
		return nil
	},
}

var queueDropCmd = &cobra.Command{
	Use:   "drop <id>...",
	Short: "Remove entries from the offline queue",
	Long: `Remove entries by id. Use it for emergency fallback entries that keep
failing after the situation was handled by other means. Stop the daemon
first when it uses the file driver.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFile(cfgPath)
		if err != nil {
			return err
		}
		store, err := app.OpenStorage(cfg, logx.Nop())
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		for _, id := range args {
			if err := store.Ack(ctx, id); err != nil {
				return fmt.Errorf("drop %s: %w", id, err)
			}
			cmd.Printf("dropped %s\n", id)
		}
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueDropCmd)
	queueCmd.Flags().IntVarP(&queueLimit, "limit", "n", 50, "maximum entries to print")
	queueCmd.Flags().BoolVar(&queueJSON, "json", false, "print JSON instead of a table")
}
