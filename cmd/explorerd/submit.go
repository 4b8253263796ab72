package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/appexplore/explorerd"
	"github.com/appexplore/explorerd/internal/config"
	"github.com/appexplore/explorerd/internal/store"
)

func newSubmitCmd() *cobra.Command {
	var (
		dbPath       string
		appVersion   string
		deviceCount  int
		deviceTags   []string
		priority     int
		coverage     string
		maxDepth     int
		paths        []string
		excludePaths []string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue an exploration task for the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = config.String("EXPLORERD_DB_PATH", "explorerd.sqlite")
			}
			spec := explorerd.TaskSpec{
				AppVersion:  appVersion,
				DeviceCount: deviceCount,
				DeviceTags:  deviceTags,
				Priority:    priority,
				Coverage: explorerd.CoveragePolicy{
					Kind:     explorerd.CoverageKind(coverage),
					MaxDepth: maxDepth,
					Paths:    paths,
				},
				ExcludedPaths: excludePaths,
			}
			return runSubmit(dbPath, spec)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&appVersion, "app-version", "", "App version under test (required)")
	cmd.Flags().IntVar(&deviceCount, "devices", 1, "Number of devices to explore on")
	cmd.Flags().StringSliceVar(&deviceTags, "tags", nil, "Required device tags")
	cmd.Flags().IntVar(&priority, "priority", 0, "Scheduling priority, higher first")
	cmd.Flags().StringVar(&coverage, "coverage", "exhaustive", "Coverage kind: exhaustive, bounded or custom")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "Max navigation depth for bounded coverage")
	cmd.Flags().StringSliceVar(&paths, "paths", nil, "Screen paths for custom coverage")
	cmd.Flags().StringSliceVar(&excludePaths, "exclude", nil, "Screen paths to skip")
	return cmd
}

func runSubmit(dbPath string, spec explorerd.TaskSpec) error {
	if spec.AppVersion == "" {
		return errors.New("app version is required")
	}
	if spec.DeviceCount < 1 {
		return errors.New("device count must be at least 1")
	}
	if err := spec.Coverage.Validate(); err != nil {
		return err
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	task := explorerd.Task{
		ID:        uuid.NewString(),
		Spec:      spec,
		Status:    explorerd.TaskQueued,
		CreatedAt: time.Now(),
	}
	if err := st.RecordTask(context.Background(), task); err != nil {
		return err
	}
	fmt.Println(task.ID)
	return nil
}
