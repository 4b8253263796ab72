package explorerd

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDispatchFullFulfillment(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver, "d1", "d2")
	task := submitTask(t, o, 2, 0)

	if started := o.Dispatch(context.Background()); started != 1 {
		t.Fatalf("expected one task started, got %d", started)
	}
	<-driver.started
	<-driver.started

	got, _ := o.Task(task.ID)
	if got.Status != TaskRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
	runs := o.Runs(task.ID)
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	for _, d := range o.Registry().Devices() {
		if d.Status != DeviceBusy {
			t.Fatalf("device %s should be busy, got %s", d.ID, d.Status)
		}
	}

	driver.finish("d1", nil)
	driver.finish("d2", nil)
	waitFor(t, "task terminal", func() bool {
		got, _ := o.Task(task.ID)
		return got.Status.Terminal()
	})
	got, _ = o.Task(task.ID)
	if got.Status != TaskSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", got.Status, got.FailureReason)
	}
	waitFor(t, "devices released", func() bool {
		for _, d := range o.Registry().Devices() {
			if d.Status != DeviceAvailable {
				return false
			}
		}
		return true
	})
}

func TestDispatchPartialFulfillmentNoTopUp(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver, "d1", "d2", "d3")
	task := submitTask(t, o, 5, 0)

	o.Dispatch(context.Background())
	for i := 0; i < 3; i++ {
		<-driver.started
	}
	if runs := o.Runs(task.ID); len(runs) != 3 {
		t.Fatalf("expected 3 runs from partial fulfillment, got %d", len(runs))
	}
	got, _ := o.Task(task.ID)
	if got.Status != TaskRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}

	// A device freeing up must not add runs to an already-running task.
	driver.finish("d1", nil)
	waitFor(t, "d1 released", func() bool {
		d, _ := o.Registry().Get("d1")
		return d.Status == DeviceAvailable
	})
	o.Dispatch(context.Background())
	if runs := o.Runs(task.ID); len(runs) != 3 {
		t.Fatalf("running task was topped up to %d runs", len(runs))
	}

	driver.finish("d2", nil)
	driver.finish("d3", nil)
	waitFor(t, "task terminal", func() bool {
		got, _ := o.Task(task.ID)
		return got.Status.Terminal()
	})
	got, _ = o.Task(task.ID)
	if got.Status != TaskSucceeded {
		t.Fatalf("expected succeeded, got %s", got.Status)
	}
}

func TestDispatchZeroDevicesStaysQueued(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver)
	task := submitTask(t, o, 1, 0)

	if started := o.Dispatch(context.Background()); started != 0 {
		t.Fatalf("expected nothing started, got %d", started)
	}
	got, _ := o.Task(task.ID)
	if got.Status != TaskQueued {
		t.Fatalf("expected queued, got %s", got.Status)
	}
	if runs := o.Runs(task.ID); len(runs) != 0 {
		t.Fatalf("expected no runs, got %d", len(runs))
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver, "d1")
	low := submitTask(t, o, 1, 1)
	high := submitTask(t, o, 1, 9)

	o.Dispatch(context.Background())
	<-driver.started

	gotHigh, _ := o.Task(high.ID)
	gotLow, _ := o.Task(low.ID)
	if gotHigh.Status != TaskRunning {
		t.Fatalf("high priority task should run first, got %s", gotHigh.Status)
	}
	if gotLow.Status != TaskQueued {
		t.Fatalf("low priority task should wait, got %s", gotLow.Status)
	}

	driver.finish("d1", nil)
	waitFor(t, "device released", func() bool {
		d, _ := o.Registry().Get("d1")
		return d.Status == DeviceAvailable
	})
	o.Dispatch(context.Background())
	<-driver.started
	waitFor(t, "low priority running", func() bool {
		got, _ := o.Task(low.ID)
		return got.Status == TaskRunning
	})
}

func TestDispatchFIFOWithinPriority(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver, "d1")
	first := submitTask(t, o, 1, 5)
	second := submitTask(t, o, 1, 5)

	o.Dispatch(context.Background())
	<-driver.started

	gotFirst, _ := o.Task(first.ID)
	gotSecond, _ := o.Task(second.ID)
	if gotFirst.Status != TaskRunning || gotSecond.Status != TaskQueued {
		t.Fatalf("FIFO violated: first=%s second=%s", gotFirst.Status, gotSecond.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver)
	ctx := context.Background()

	if _, err := o.Submit(ctx, TaskSpec{AppVersion: "1.0", DeviceCount: 0,
		Coverage: CoveragePolicy{Kind: CoverageExhaustive}}); err == nil {
		t.Fatalf("expected error for zero device count")
	}
	if _, err := o.Submit(ctx, TaskSpec{AppVersion: "1.0", DeviceCount: 1,
		Coverage: CoveragePolicy{Kind: CoverageBounded}}); err == nil {
		t.Fatalf("expected error for bounded coverage without depth")
	}
	if _, err := o.Submit(ctx, TaskSpec{AppVersion: "1.0", DeviceCount: 1,
		Coverage: CoveragePolicy{Kind: CoverageCustom}}); err == nil {
		t.Fatalf("expected error for custom coverage without paths")
	}
	if _, err := o.Submit(ctx, TaskSpec{DeviceCount: 1,
		Coverage: CoveragePolicy{Kind: CoverageExhaustive}}); err == nil {
		t.Fatalf("expected error for empty app version")
	}
}

func TestCancelQueuedTask(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver)
	task := submitTask(t, o, 1, 0)

	if err := o.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := o.Task(task.ID)
	if got.Status != TaskCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if err := o.Cancel(context.Background(), task.ID); err == nil {
		t.Fatalf("expected error cancelling a terminal task")
	}
}

func TestCancelRunningTask(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver, "d1", "d2")
	task := submitTask(t, o, 2, 0)
	o.Dispatch(context.Background())
	<-driver.started
	<-driver.started

	if err := o.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, "task cancelled", func() bool {
		got, _ := o.Task(task.ID)
		return got.Status == TaskCancelled
	})
	for _, run := range o.Runs(task.ID) {
		if run.Status != RunCancelled {
			t.Fatalf("run %s: expected cancelled, got %s", run.ID, run.Status)
		}
	}
	waitFor(t, "devices released", func() bool {
		for _, d := range o.Registry().Devices() {
			if d.Status != DeviceAvailable {
				return false
			}
		}
		return true
	})
}

func TestRetryTask(t *testing.T) {
	driver := newStubDriver()
	o := newTestOrchestrator(t, driver, "d1")
	task := submitTask(t, o, 1, 0)
	o.Dispatch(context.Background())
	<-driver.started

	if _, err := o.Retry(context.Background(), task.ID); err == nil {
		t.Fatalf("expected error retrying a running task")
	}

	driver.finish("d1", errTestSession)
	waitFor(t, "task failed", func() bool {
		got, _ := o.Task(task.ID)
		return got.Status == TaskFailed
	})

	clone, err := o.Retry(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if clone.RetryOf != task.ID {
		t.Fatalf("expected retry_of=%s, got %s", task.ID, clone.RetryOf)
	}
	if clone.Spec.AppVersion != task.Spec.AppVersion {
		t.Fatalf("retry should clone the spec")
	}
	if clone.Status != TaskQueued {
		t.Fatalf("retry should start queued, got %s", clone.Status)
	}
	original, _ := o.Task(task.ID)
	if original.Status != TaskFailed {
		t.Fatalf("original must stay failed, got %s", original.Status)
	}
}

func TestAdoptQueuedFromSource(t *testing.T) {
	driver := newStubDriver()
	source := &stubSource{tasks: []Task{
		{ID: "ext-1", Status: TaskQueued, Spec: TaskSpec{AppVersion: "1.0", DeviceCount: 1,
			Coverage: CoveragePolicy{Kind: CoverageExhaustive}}},
	}}
	o, err := New(Config{Driver: driver, Source: source})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Registry().Register(Device{ID: "d1", Serial: "d1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	o.Dispatch(context.Background())
	<-driver.started
	got, ok := o.Task("ext-1")
	if !ok || got.Status != TaskRunning {
		t.Fatalf("adopted task should be running, ok=%v status=%s", ok, got.Status)
	}
}

type stubSource struct {
	tasks []Task
}

func (s *stubSource) FetchQueuedTasks(ctx context.Context, limit int) ([]Task, error) {
	return s.tasks, nil
}

// blockingDeviceRecorder wedges every device write until block is closed.
type blockingDeviceRecorder struct {
	noopRecorder
	block chan struct{}

	mu       sync.Mutex
	recorded []string
}

func (r *blockingDeviceRecorder) RecordDevice(ctx context.Context, d Device) error {
	<-r.block
	r.mu.Lock()
	r.recorded = append(r.recorded, d.ID)
	r.mu.Unlock()
	return nil
}

func TestDispatchNotStalledBySlowDeviceRecords(t *testing.T) {
	driver := newStubDriver()
	rec := &blockingDeviceRecorder{block: make(chan struct{})}
	o, err := New(Config{Driver: driver, Recorder: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Registry().Register(Device{ID: "d1", Serial: "d1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	task := submitTask(t, o, 1, 0)

	// With the store wedged, dispatch and snapshot reads must keep moving.
	done := make(chan int, 1)
	go func() { done <- o.Dispatch(context.Background()) }()
	select {
	case started := <-done:
		if started != 1 {
			t.Fatalf("expected one task started, got %d", started)
		}
	case <-time.After(time.Second):
		t.Fatalf("dispatch stalled behind a device record")
	}
	read := make(chan struct{})
	go func() {
		o.Task(task.ID)
		close(read)
	}()
	select {
	case <-read:
	case <-time.After(time.Second):
		t.Fatalf("task snapshot stalled behind a device record")
	}

	<-driver.started
	driver.finish("d1", nil)
	waitFor(t, "task terminal", func() bool {
		got, _ := o.Task(task.ID)
		return got.Status.Terminal()
	})

	close(rec.block)
	o.devWriter.flush()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.recorded) < 3 {
		t.Fatalf("register, lease and release should all land once the store recovers, got %d", len(rec.recorded))
	}
}
