package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/appexplore/explorerd"
	"github.com/appexplore/explorerd/internal/config"
	"github.com/appexplore/explorerd/internal/store"
	"github.com/appexplore/explorerd/pkg/eventstream"
	"github.com/appexplore/explorerd/pkg/notify"
	"github.com/appexplore/explorerd/providers/adb"
)

func newServeCmd() *cobra.Command {
	var (
		listenAddr string
		dbPath     string
		appPackage string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if appPackage == "" {
				appPackage = config.String("EXPLORERD_APP_PACKAGE", "")
			}
			if appPackage == "" {
				return errors.New("app package is required (--app-package or EXPLORERD_APP_PACKAGE)")
			}
			if dbPath == "" {
				dbPath = config.String("EXPLORERD_DB_PATH", "explorerd.sqlite")
			}
			if listenAddr == "" {
				listenAddr = config.String("EXPLORERD_LISTEN_ADDR", ":8700")
			}
			return runServe(listenAddr, dbPath, appPackage)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address for the event stream")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path")
	cmd.Flags().StringVar(&appPackage, "app-package", "", "Android package of the app under test")
	return cmd
}

func runServe(listenAddr, dbPath, appPackage string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := adb.NewDefault()
	if err != nil {
		return err
	}
	driver, err := adb.NewDriver(provider, appPackage)
	if err != nil {
		return err
	}

	hub := eventstream.NewHub()
	defer hub.Close()

	orch, err := explorerd.New(explorerd.Config{
		PollInterval:           config.Duration("EXPLORERD_POLL_INTERVAL", time.Minute),
		StartTimeout:           config.Duration("EXPLORERD_START_TIMEOUT", 30*time.Second),
		CancelGrace:            config.Duration("EXPLORERD_CANCEL_GRACE", 15*time.Second),
		SweepSchedule:          config.String("SWEEP_SCHEDULE", "@every 30s"),
		OfflineThreshold:       config.Duration("EXPLORERD_OFFLINE_THRESHOLD", 5*time.Minute),
		FailedLocatorThreshold: int64(config.Int("EXPLORERD_FAILED_LOCATOR_THRESHOLD", 5)),
		DiffSeverityThreshold:  config.Float("EXPLORERD_DIFF_SEVERITY_THRESHOLD", 0.8),
		Driver:                 driver,
		Recorder:               st,
		Notifier:               buildNotifier(),
		Sinks:                  []explorerd.EventSink{hub},
		Source:                 st,
		Provider:               provider,
	})
	if err != nil {
		return err
	}

	devices, tasks, runs, err := st.LoadOpenState(context.Background())
	if err != nil {
		return err
	}
	if err := orch.Restore(devices, tasks, runs); err != nil {
		return err
	}
	// Restored runs have no executor; let the sweeper settle them before
	// new work is dispatched.
	orch.Sweep(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/events", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		log.Info().Str("addr", listenAddr).Msg("event stream listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	return orch.Start(ctx)
}

func buildNotifier() explorerd.Notifier {
	var notifiers []explorerd.Notifier
	if url := config.String("ALERT_WEBHOOK_URL", ""); url != "" {
		notifiers = append(notifiers, notify.NewWebhook(url))
	}
	appID := config.String("FEISHU_APP_ID", "")
	appSecret := config.String("FEISHU_APP_SECRET", "")
	bitableURL := config.String("ALERT_BITABLE_URL", "")
	if appID != "" && appSecret != "" && bitableURL != "" {
		lk, err := notify.NewLarkBitable(appID, appSecret, bitableURL)
		if err != nil {
			log.Warn().Err(err).Msg("lark notifier disabled")
		} else {
			notifiers = append(notifiers, lk)
		}
	}
	if len(notifiers) == 0 {
		return nil
	}
	return notify.NewMulti(notifiers...)
}
