package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/store"
)

func newAuditCommand(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent relay requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := model.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Audit.DBPath == "" {
				return errors.New("audit.db_path is not configured")
			}

			s, err := store.NewSQLiteStore(cfg.Audit.DBPath)
			if err != nil {
				return fmt.Errorf("opening audit log: %w", err)
			}
			defer s.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			entries, err := s.Recent(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tREQUEST\tREMOTE\tMETHOD\tSTATUS\tOUTCOME\tITEMS\tDURATION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%dms\n",
					e.ReceivedAt.Local().Format(time.DateTime),
					e.RequestID, e.RemoteAddr, e.Method,
					e.Status, e.Outcome, e.Items, e.DurationMS)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries to show")

	return cmd
}
