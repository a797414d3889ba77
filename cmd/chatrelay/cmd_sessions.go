package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/chatrelay/internal/persist"
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List persisted chat sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		chats, err := persist.Open(filepath.Join(cfg.DataDir, "chats.db"))
		if err != nil {
			return fmt.Errorf("open chat store: %w", err)
		}
		defer chats.Close()

		records, err := chats.List(context.Background())
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No sessions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOWNER\tCREATED\tMESSAGES\tTITLE")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				r.ID, r.OwnerID, r.CreatedAt.Format("2006-01-02 15:04"), len(r.Messages), r.Title)
		}
		return w.Flush()
	},
}
