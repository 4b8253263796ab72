package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/appexplore/explorerd"
	"github.com/appexplore/explorerd/internal/config"
	"github.com/appexplore/explorerd/internal/store"
)

func newRecoverCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Drain in-flight state after an unclean shutdown",
		Long: `recover loads the persisted state, cancels every queued task and
non-terminal run and releases all device leases. Run it before restarting
the daemon when the previous process died with work in flight.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				dbPath = config.String("EXPLORERD_DB_PATH", "explorerd.sqlite")
			}
			return runRecover(dbPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	return cmd
}

func runRecover(dbPath string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	orch, err := explorerd.New(explorerd.Config{
		Driver:   inertDriver{},
		Recorder: st,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	devices, tasks, runs, err := st.LoadOpenState(ctx)
	if err != nil {
		return err
	}
	if err := orch.Restore(devices, tasks, runs); err != nil {
		return err
	}
	if err := orch.Recover(ctx); err != nil {
		return err
	}
	log.Info().Str("db", dbPath).Msg("recovery finished")
	return nil
}

// inertDriver satisfies the driver dependency for offline recovery; no
// session is ever started.
type inertDriver struct{}

func (inertDriver) StartSession(ctx context.Context, device explorerd.Device) (explorerd.SessionHandle, error) {
	return explorerd.SessionHandle{}, errors.New("recovery mode: sessions disabled")
}

func (inertDriver) EndSession(ctx context.Context, handle explorerd.SessionHandle) error {
	return nil
}

func (inertDriver) Watch(handle explorerd.SessionHandle) <-chan explorerd.SessionResult {
	ch := make(chan explorerd.SessionResult, 1)
	ch <- explorerd.SessionResult{Err: errors.New("recovery mode: sessions disabled")}
	return ch
}
