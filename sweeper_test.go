package explorerd

import (
	"context"
	"testing"
	"time"
)

func TestSweepCancelsRunningTaskWithoutRuns(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver)

	o.mu.Lock()
	o.tasks["t1"] = &Task{ID: "t1", Status: TaskRunning, CreatedAt: time.Now()}
	o.mu.Unlock()

	report := o.Sweep(context.Background())
	if report.TasksCancelled != 1 {
		t.Fatalf("expected one cancelled task, got %+v", report)
	}
	got, _ := o.Task("t1")
	if got.Status != TaskCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// Second sweep finds a converged state.
	if report := o.Sweep(context.Background()); !report.Empty() {
		t.Fatalf("second sweep should be empty, got %+v", report)
	}
}

func TestSweepFailsOrphanedRuns(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver)
	o.Registry().Register(Device{ID: "d1", Serial: "d1"})

	// Simulate restored state: a running run with a rebound lease but no
	// executor goroutine.
	o.mu.Lock()
	o.tasks["t1"] = &Task{ID: "t1", Status: TaskRunning, CreatedAt: time.Now()}
	o.runs["r1"] = &TaskRun{ID: "r1", TaskID: "t1", DeviceID: "d1", Status: RunRunning, CreatedAt: time.Now()}
	o.mu.Unlock()
	if _, err := o.Registry().RestoreLease("d1", "r1"); err != nil {
		t.Fatalf("restore lease: %v", err)
	}

	report := o.Sweep(context.Background())
	if report.RunsOrphaned != 1 {
		t.Fatalf("expected one orphaned run, got %+v", report)
	}
	run, _ := o.Run("r1")
	if run.Status != RunFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	got, _ := o.Task("t1")
	if got.Status != TaskFailed {
		t.Fatalf("aggregation should fail the parent, got %s", got.Status)
	}
	if d, _ := o.Registry().Get("d1"); d.Status != DeviceAvailable {
		t.Fatalf("device must be released, got %s", d.Status)
	}
}

func TestSweepReleasesStaleLease(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver)
	o.Registry().Register(Device{ID: "d1", Serial: "d1"})
	if _, err := o.Registry().Lease("d1", "ghost-run"); err != nil {
		t.Fatalf("lease: %v", err)
	}

	report := o.Sweep(context.Background())
	if report.LeasesReleased != 1 {
		t.Fatalf("expected one released lease, got %+v", report)
	}
	if d, _ := o.Registry().Get("d1"); d.Status != DeviceAvailable {
		t.Fatalf("expected available, got %s", d.Status)
	}
}

func TestSweepFailsRunsOnOfflineDevices(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver, "d1")
	task := submitTask(t, o, 1, 0)
	o.Dispatch(context.Background())
	<-driver.started
	runID := o.Runs(task.ID)[0].ID

	o.MarkDeviceOffline(context.Background(), "d1")

	report := o.Sweep(context.Background())
	if report.RunsFailedOffline != 1 {
		t.Fatalf("expected one run failed for offline device, got %+v", report)
	}
	waitFor(t, "run failed", func() bool {
		run, _ := o.Run(runID)
		return run.Status == RunFailed
	})
	got, _ := o.Task(task.ID)
	if got.Status != TaskFailed {
		t.Fatalf("expected failed task, got %s", got.Status)
	}
	// The device stays offline after its lease is released.
	if d, _ := o.Registry().Get("d1"); d.Status != DeviceOffline {
		t.Fatalf("expected offline, got %s", d.Status)
	}
	found := false
	for _, a := range o.Dispatcher().Alerts() {
		if a.Kind == AlertDeviceOffline && a.Ref.DeviceID == "d1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected device-offline alert")
	}
}

func TestSweepAggregatesForgottenTask(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver)

	// Terminal children under a parent stuck in running, as left behind by
	// a crash between child commit and parent update.
	o.mu.Lock()
	o.tasks["t1"] = &Task{ID: "t1", Status: TaskRunning, CreatedAt: time.Now()}
	o.runs["r1"] = &TaskRun{ID: "r1", TaskID: "t1", Status: RunSucceeded, CreatedAt: time.Now()}
	o.runs["r2"] = &TaskRun{ID: "r2", TaskID: "t1", Status: RunCancelled, CreatedAt: time.Now()}
	o.mu.Unlock()

	report := o.Sweep(context.Background())
	if report.TasksAggregated != 1 {
		t.Fatalf("expected one aggregated task, got %+v", report)
	}
	got, _ := o.Task("t1")
	if got.Status != TaskSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
}

func TestRecoverDrainsEverything(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver, "d1")
	queued := submitTask(t, o, 1, 0)

	o.mu.Lock()
	o.tasks["t-open"] = &Task{ID: "t-open", Status: TaskRunning, CreatedAt: time.Now()}
	o.runs["r-open"] = &TaskRun{ID: "r-open", TaskID: "t-open", DeviceID: "d1", Status: RunRunning, CreatedAt: time.Now()}
	o.mu.Unlock()
	if _, err := o.Registry().RestoreLease("d1", "r-open"); err != nil {
		t.Fatalf("restore lease: %v", err)
	}

	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got, _ := o.Task(queued.ID); got.Status != TaskCancelled {
		t.Fatalf("queued task should be cancelled, got %s", got.Status)
	}
	if run, _ := o.Run("r-open"); run.Status != RunCancelled {
		t.Fatalf("open run should be cancelled, got %s", run.Status)
	}
	if got, _ := o.Task("t-open"); got.Status != TaskCancelled {
		t.Fatalf("open task should be cancelled, got %s", got.Status)
	}
	if len(o.Registry().Leases()) != 0 {
		t.Fatalf("all leases should be released")
	}
}

func TestRecoverCancelsStuckRunningTasks(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver)

	// A crash can strand a running task with no runs at all, and another
	// whose children finished without the parent ever aggregating.
	o.mu.Lock()
	o.tasks["bare"] = &Task{ID: "bare", Status: TaskRunning, CreatedAt: time.Now()}
	o.tasks["forgotten"] = &Task{ID: "forgotten", Status: TaskRunning, CreatedAt: time.Now()}
	o.runs["r1"] = &TaskRun{ID: "r1", TaskID: "forgotten", Status: RunSucceeded, CreatedAt: time.Now()}
	o.mu.Unlock()

	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got, _ := o.Task("bare"); got.Status != TaskCancelled {
		t.Fatalf("running task with no runs should be cancelled, got %s", got.Status)
	}
	if got, _ := o.Task("forgotten"); got.Status != TaskSucceeded {
		t.Fatalf("terminal children should aggregate during recovery, got %s", got.Status)
	}
}

func TestRestoreRebindsLeases(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver)

	devices := []Device{
		{ID: "d1", Serial: "d1", Status: DeviceBusy},
		{ID: "d2", Serial: "d2", Status: DeviceAvailable},
	}
	tasks := []Task{{ID: "t1", Status: TaskRunning, CreatedAt: time.Now()}}
	runs := []TaskRun{{ID: "r1", TaskID: "t1", DeviceID: "d1", Status: RunRunning, CreatedAt: time.Now()}}

	if err := o.Restore(devices, tasks, runs); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if run, ok := o.Registry().LeasedRun("d1"); !ok || run != "r1" {
		t.Fatalf("lease not rebound, run=%q ok=%v", run, ok)
	}
	if d, _ := o.Registry().Get("d1"); d.Status != DeviceBusy {
		t.Fatalf("expected busy, got %s", d.Status)
	}
	if d, _ := o.Registry().Get("d2"); d.Status != DeviceAvailable {
		t.Fatalf("expected available, got %s", d.Status)
	}

	// One sweep settles the orphaned run and frees the device.
	report := o.Sweep(context.Background())
	if report.RunsOrphaned != 1 {
		t.Fatalf("expected one orphaned run, got %+v", report)
	}
	if d, _ := o.Registry().Get("d1"); d.Status != DeviceAvailable {
		t.Fatalf("expected available after sweep, got %s", d.Status)
	}
}
