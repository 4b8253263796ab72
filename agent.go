package explorerd

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Config controls Orchestrator behavior. Zero fields get teacher defaults
// from New.
type Config struct {
	// PollInterval is the dispatch tick; dispatch also runs on submit and
	// on every device release.
	PollInterval time.Duration
	// StartTimeout bounds how long a created run may wait for the driver
	// to confirm session start.
	StartTimeout time.Duration
	// CancelGrace is how long a cooperative cancel waits for the driver
	// to tear the session down before the run is forced to cancelled.
	CancelGrace time.Duration
	// SweepSchedule is a cron spec for the reconciliation sweeper.
	SweepSchedule string
	// OfflineThreshold is how long a device may miss heartbeats before
	// the provider refresh marks it offline.
	OfflineThreshold time.Duration
	// FailedLocatorThreshold is the cumulative failed-locator count per
	// run that raises a locator-failure alert.
	FailedLocatorThreshold int64
	// DiffSeverityThreshold is the screen-diff severity that raises an
	// alert.
	DiffSeverityThreshold float64
	// AdoptBatch caps how many externally queued tasks one dispatch
	// cycle adopts from the task source.
	AdoptBatch int
	// ProviderTags are assigned to devices auto-registered from the
	// device provider.
	ProviderTags []string

	Driver   SessionDriver
	Recorder Recorder
	Notifier Notifier
	Sinks    []EventSink
	Source   TaskSource
	Provider DeviceProvider
}

// Orchestrator is the device allocation and run orchestration core: it
// admits tasks, leases devices, drives run lifecycles, reconciles drift and
// emits events and alerts.
type Orchestrator struct {
	cfg        Config
	registry   *Registry
	dispatcher *Dispatcher
	driver     SessionDriver
	recorder   Recorder
	source     TaskSource
	provider   DeviceProvider

	mu    sync.Mutex
	tasks map[string]*Task
	runs  map[string]*TaskRun
	execs map[string]*runExec

	dispatchCh chan struct{}
	baseCtx    context.Context
	bg         sync.WaitGroup
	devWriter  deviceWriter

	lastSeen map[string]time.Time
}

// deviceWriter persists device snapshots in transition order without doing
// store I/O inside the registry or orchestrator locks. A single drain
// goroutine works the queue at a time, so records land in the order the
// transitions were applied.
type deviceWriter struct {
	recorder Recorder

	mu       sync.Mutex
	queue    []Device
	draining bool
	done     sync.WaitGroup
}

func (w *deviceWriter) enqueue(d Device) {
	w.mu.Lock()
	w.queue = append(w.queue, d)
	if !w.draining {
		w.draining = true
		w.done.Add(1)
		go w.drain()
	}
	w.mu.Unlock()
}

func (w *deviceWriter) drain() {
	defer w.done.Done()
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.draining = false
			w.mu.Unlock()
			return
		}
		d := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()
		if err := w.recorder.RecordDevice(context.Background(), d); err != nil {
			log.Error().Err(err).Str("device", d.ID).Msg("record device failed")
		}
	}
}

// flush waits for queued device records to land. Callers must have stopped
// producing transitions.
func (w *deviceWriter) flush() {
	w.done.Wait()
}

// New builds an orchestrator with the provided configuration.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Driver == nil {
		return nil, errors.New("session driver cannot be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 15 * time.Second
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 30s"
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = 5 * time.Minute
	}
	if cfg.FailedLocatorThreshold <= 0 {
		cfg.FailedLocatorThreshold = 5
	}
	if cfg.DiffSeverityThreshold <= 0 {
		cfg.DiffSeverityThreshold = 0.8
	}
	if cfg.AdoptBatch <= 0 {
		cfg.AdoptBatch = 50
	}
	if len(cfg.ProviderTags) == 0 {
		cfg.ProviderTags = []string{"android"}
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}

	o := &Orchestrator{
		cfg:        cfg,
		registry:   NewRegistry(),
		dispatcher: NewDispatcher(recorder, cfg.Notifier, cfg.Sinks...),
		driver:     cfg.Driver,
		recorder:   recorder,
		source:     cfg.Source,
		provider:   cfg.Provider,
		tasks:      make(map[string]*Task),
		runs:       make(map[string]*TaskRun),
		execs:      make(map[string]*runExec),
		dispatchCh: make(chan struct{}, 1),
		baseCtx:    context.Background(),
		lastSeen:   make(map[string]time.Time),
	}
	o.devWriter.recorder = recorder
	o.registry.OnTransition(o.deviceTransition)
	o.registry.OnRelease(func(deviceID string) { o.TriggerDispatch() })
	return o, nil
}

// Registry exposes the device registry for registration and admin marks.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Dispatcher exposes the event/alert dispatcher for triage operations.
func (o *Orchestrator) Dispatcher() *Dispatcher { return o.dispatcher }

// deviceTransition runs under the registry lock: it only publishes the
// event and hands the snapshot to the background device writer.
func (o *Orchestrator) deviceTransition(device Device, from, to DeviceStatus) {
	o.dispatcher.OnTransition(EntityDevice, device.ID, string(from), string(to))
	o.devWriter.enqueue(device)
}

// Start runs the dispatch loop, the provider heartbeat refresh and the
// reconciliation sweeper until the context is cancelled, then waits for
// in-flight runs to settle.
func (o *Orchestrator) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	o.baseCtx = ctx
	log.Info().
		Dur("poll_interval", o.cfg.PollInterval).
		Str("sweep_schedule", o.cfg.SweepSchedule).
		Msg("start orchestrator")

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(o.cfg.SweepSchedule, func() {
		report := o.Sweep(context.Background())
		if !report.Empty() {
			log.Info().
				Int("tasks_cancelled", report.TasksCancelled).
				Int("runs_orphaned", report.RunsOrphaned).
				Int("leases_released", report.LeasesReleased).
				Int("runs_failed_offline", report.RunsFailedOffline).
				Int("tasks_aggregated", report.TasksAggregated).
				Int("conflicts", report.Conflicts).
				Msg("sweep repaired state")
		}
	}); err != nil {
		return errors.Wrap(err, "invalid sweep schedule")
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Fast-start: refresh and dispatch once instead of waiting for ticks.
	if o.provider != nil {
		if err := o.refreshDevices(ctx); err != nil {
			log.Error().Err(err).Msg("initial device refresh failed")
		}
	}
	o.Dispatch(ctx)

	group, gctx := errgroup.WithContext(ctx)
	GroupGoSafe(gctx, group, "dispatch loop", o.dispatchLoop)
	if o.provider != nil {
		GroupGoSafe(gctx, group, "device refresh loop", o.refreshLoop)
	}
	err := group.Wait()
	o.cancelLiveRuns("shutting down")
	o.bg.Wait()
	o.dispatcher.Flush()
	o.devWriter.flush()
	return err
}

// RunOnce performs a single dispatch cycle and waits for the runs it
// started to finish.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}
	o.Dispatch(ctx)
	o.bg.Wait()
	return nil
}

func (o *Orchestrator) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Dispatch(ctx)
		case <-o.dispatchCh:
			o.Dispatch(ctx)
		}
	}
}

func (o *Orchestrator) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.refreshDevices(ctx); err != nil {
				log.Error().Err(err).Msg("device refresh failed")
			}
		}
	}
}

// refreshDevices polls the device provider, registering new devices,
// refreshing heartbeats and marking vanished devices offline once they
// cross the offline threshold.
func (o *Orchestrator) refreshDevices(ctx context.Context) error {
	serials, err := o.provider.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}
	now := time.Now()
	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		if serial == "" {
			continue
		}
		seen[serial] = struct{}{}
		o.lastSeen[serial] = now
		device, ok := o.registry.Get(serial)
		if !ok {
			err := o.registry.Register(Device{
				ID:     serial,
				Serial: serial,
				Tags:   o.cfg.ProviderTags,
			})
			if err != nil {
				log.Error().Err(err).Str("serial", serial).Msg("register device failed")
			}
			continue
		}
		o.registry.Touch(serial, now)
		if device.Status == DeviceOffline {
			if err := o.registry.MarkAvailable(serial); err != nil {
				log.Warn().Err(err).Str("serial", serial).Msg("device reconnected but not releasable")
			} else {
				log.Info().Str("serial", serial).Msg("device reconnected")
			}
		}
	}

	for _, device := range o.registry.Devices() {
		if _, ok := seen[device.ID]; ok {
			continue
		}
		if device.Status == DeviceOffline || device.Status == DeviceMaintenance {
			continue
		}
		last, ok := o.lastSeen[device.ID]
		if !ok {
			last = device.LastHeartbeat
		}
		if now.Sub(last) < o.cfg.OfflineThreshold {
			continue
		}
		o.markDeviceOffline(ctx, device.ID, "heartbeat timeout")
	}
	return nil
}

// markDeviceOffline applies the offline mark and raises an anomaly when the
// device was leased (the sweeper will terminate the orphaned run).
func (o *Orchestrator) markDeviceOffline(ctx context.Context, deviceID, cause string) {
	wasLeased, err := o.registry.MarkOffline(deviceID)
	if err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("mark offline failed")
		return
	}
	log.Warn().Str("device", deviceID).Str("cause", cause).Bool("leased", wasLeased).Msg("device offline")
	if wasLeased {
		runID, _ := o.registry.LeasedRun(deviceID)
		o.dispatcher.OnAnomaly(ctx, AlertDeviceOffline, SeverityHigh,
			AlertRef{DeviceID: deviceID, RunID: runID},
			"device went offline while leased: "+cause)
	}
}

// MarkDeviceOffline is the administrative entry point for forcing a device
// out of the pool.
func (o *Orchestrator) MarkDeviceOffline(ctx context.Context, deviceID string) {
	o.markDeviceOffline(ctx, deviceID, "administrative")
}

// TriggerDispatch schedules a dispatch cycle without blocking. Triggers
// coalesce: one pending signal is enough.
func (o *Orchestrator) TriggerDispatch() {
	select {
	case o.dispatchCh <- struct{}{}:
	default:
	}
}

// Restore re-loads persisted state after a restart. Restored non-terminal
// runs have no live executor; the next sweep fails them and releases their
// devices. Callers should run Sweep once before serving.
func (o *Orchestrator) Restore(devices []Device, tasks []Task, runs []TaskRun) error {
	for _, d := range devices {
		if d.Status == DeviceBusy {
			// Leases are rebound from runs below; don't trust the
			// persisted busy flag on its own.
			d.Status = DeviceAvailable
		}
		if err := o.registry.Restore(d); err != nil {
			return errors.Wrapf(err, "restore device %s", d.ID)
		}
	}

	o.mu.Lock()
	for i := range tasks {
		t := tasks[i]
		o.tasks[t.ID] = &t
	}
	for i := range runs {
		r := runs[i]
		o.runs[r.ID] = &r
	}
	o.mu.Unlock()

	for i := range runs {
		r := runs[i]
		if r.Status.Terminal() || r.DeviceID == "" {
			continue
		}
		if _, err := o.registry.RestoreLease(r.DeviceID, r.ID); err != nil {
			log.Warn().Err(err).Str("run", r.ID).Str("device", r.DeviceID).Msg("restore lease failed")
		}
	}
	log.Info().
		Int("devices", len(devices)).
		Int("tasks", len(tasks)).
		Int("runs", len(runs)).
		Msg("state restored")
	return nil
}

// Task returns a snapshot of one task.
func (o *Orchestrator) Task(taskID string) (Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Runs returns snapshots of all runs belonging to a task.
func (o *Orchestrator) Runs(taskID string) []TaskRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.taskRunsLocked(taskID)
}

// Run returns a snapshot of one run.
func (o *Orchestrator) Run(runID string) (TaskRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[runID]
	if !ok {
		return TaskRun{}, false
	}
	return *r, true
}
