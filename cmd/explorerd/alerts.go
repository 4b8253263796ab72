package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/appexplore/explorerd"
	"github.com/appexplore/explorerd/internal/config"
	"github.com/appexplore/explorerd/internal/store"
)

func newAlertsCmd() *cobra.Command {
	var (
		dbPath string
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recorded alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = config.String("EXPLORERD_DB_PATH", "explorerd.sqlite")
			}
			st, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			alerts, err := st.ListAlerts(context.Background(), explorerd.AlertStatus(status), limit)
			if err != nil {
				return err
			}
			for _, a := range alerts {
				fmt.Printf("%s  %-8s %-16s %-8s task=%s run=%s device=%s  %s\n",
					a.CreatedAt.Format("2006-01-02 15:04:05"),
					a.Severity, a.Kind, a.Status,
					orDash(a.Ref.TaskID), orDash(a.Ref.RunID), orDash(a.Ref.DeviceID),
					a.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&status, "status", "", "Filter by alert status (pending, acked, resolved, ignored)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of alerts to list")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
