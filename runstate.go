package explorerd

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// runExec is the live execution state of one non-terminal run: the device
// lease it owns, the cancel signal for its executor goroutine and the
// once-per-run alert latches. Restored runs have no runExec; the sweeper
// fails them.
type runExec struct {
	lease      LeaseToken
	cancelCh   chan struct{}
	cancelOnce sync.Once

	locatorAlerted bool
	diffAlerted    bool
}

func newRunExec(token LeaseToken) *runExec {
	return &runExec{lease: token, cancelCh: make(chan struct{})}
}

// requestCancel asks a live run to stop. Safe to call any number of times
// and for runs that already finished.
func (o *Orchestrator) requestCancel(runID string) {
	o.mu.Lock()
	exec, ok := o.execs[runID]
	o.mu.Unlock()
	if !ok {
		return
	}
	exec.cancelOnce.Do(func() { close(exec.cancelCh) })
}

// executeRun drives one run from created to terminal: confirm session
// start within the timeout, then wait for the driver's session result or a
// cancel request. Every exit path funnels through Complete.
func (o *Orchestrator) executeRun(runID string) {
	defer o.bg.Done()

	o.mu.Lock()
	run, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return
	}
	exec := o.execs[runID]
	deviceID := run.DeviceID
	o.mu.Unlock()
	if exec == nil {
		return
	}

	device, ok := o.registry.Get(deviceID)
	if !ok {
		o.complete(context.Background(), runID, Failure("device vanished before session start"))
		return
	}

	startCtx, cancelStart := context.WithTimeout(o.baseCtx, o.cfg.StartTimeout)
	go func() {
		select {
		case <-exec.cancelCh:
			cancelStart()
		case <-startCtx.Done():
		}
	}()
	handle, err := o.driver.StartSession(startCtx, device)
	cancelStart()
	if err != nil {
		select {
		case <-exec.cancelCh:
			o.complete(context.Background(), runID, Cancelled("cancelled before session start"))
			return
		default:
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Wrapf(ErrDriverTimeout, "session start on %s: %v", deviceID, err)
		}
		if IsDriverTimeout(err) {
			log.Error().Err(err).Str("run", runID).Str("device", deviceID).
				Dur("timeout", o.cfg.StartTimeout).Msg("session start timed out")
		} else {
			log.Error().Err(err).Str("run", runID).Str("device", deviceID).Msg("session start failed")
		}
		o.complete(context.Background(), runID, Failure(err.Error()))
		return
	}

	o.mu.Lock()
	if run.Status != RunCreated {
		// Finalized while the session was starting; tear the session down
		// and leave the recorded outcome alone.
		o.mu.Unlock()
		go o.driver.EndSession(context.Background(), handle)
		return
	}
	snapshot := o.runTransitionLocked(run, RunRunning)
	o.mu.Unlock()
	o.recordRun(context.Background(), snapshot)
	log.Info().Str("run", runID).Str("device", deviceID).Str("session", handle.ID).Msg("session started")

	watch := o.driver.Watch(handle)
	select {
	case res := <-watch:
		if res.Err != nil {
			o.complete(context.Background(), runID, Failure(res.Err.Error()))
			return
		}
		o.complete(context.Background(), runID, Success())
	case <-exec.cancelCh:
		o.cancelSession(runID, handle, watch)
	}
}

// cancelSession tears a session down cooperatively, waiting up to the
// cancel grace for the driver to confirm before forcing the run terminal.
func (o *Orchestrator) cancelSession(runID string, handle SessionHandle, watch <-chan SessionResult) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CancelGrace)
		defer cancel()
		if err := o.driver.EndSession(ctx, handle); err != nil {
			log.Warn().Err(err).Str("run", runID).Msg("session teardown failed")
		}
	}()

	select {
	case <-watch:
		o.complete(context.Background(), runID, Cancelled("cancelled by request"))
	case <-time.After(o.cfg.CancelGrace):
		log.Warn().Str("run", runID).Dur("grace", o.cfg.CancelGrace).Msg("cancel grace expired, forcing run terminal")
		o.complete(context.Background(), runID, Cancelled("cancel grace expired"))
	}
}

// Complete finalizes a run. It is the single exit path for every run and
// is idempotent: completing an already terminal run is a no-op, so late
// driver results, cancels and sweeper corrections cannot double-fire.
func (o *Orchestrator) Complete(ctx context.Context, runID string, outcome Outcome) error {
	_, err := o.complete(ctx, runID, outcome)
	return err
}

// complete reports whether this call performed the terminal transition, so
// the sweeper can tell a repair apart from a run that finished on its own.
func (o *Orchestrator) complete(ctx context.Context, runID string, outcome Outcome) (bool, error) {
	o.mu.Lock()
	run, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return false, errors.Errorf("run %s not found", runID)
	}
	if run.Status.Terminal() {
		o.mu.Unlock()
		return false, nil
	}
	run.FailureReason = outcome.reason
	snapshot := o.runTransitionLocked(run, outcome.status)
	exec := o.execs[runID]
	delete(o.execs, runID)
	taskID := run.TaskID
	o.mu.Unlock()

	log.Info().
		Str("run", runID).
		Str("task", taskID).
		Str("status", string(outcome.status)).
		Str("reason", outcome.reason).
		Msg("run completed")

	// The child outcome must be durable before the parent aggregates.
	o.recordRun(ctx, snapshot)
	if exec != nil {
		o.registry.Release(exec.lease)
	}
	o.aggregateTask(ctx, taskID)
	return true, nil
}

// aggregateTask finalizes a running task once every child run is terminal:
// any failure makes the task failed, otherwise one success is enough,
// otherwise everything was cancelled.
func (o *Orchestrator) aggregateTask(ctx context.Context, taskID string) {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok || task.Status != TaskRunning {
		o.mu.Unlock()
		return
	}
	runs := o.taskRunsLocked(taskID)
	if len(runs) == 0 {
		o.mu.Unlock()
		return
	}
	var failed *TaskRun
	succeeded := false
	for i := range runs {
		switch runs[i].Status {
		case RunFailed:
			if failed == nil {
				failed = &runs[i]
			}
		case RunSucceeded:
			succeeded = true
		case RunCancelled:
		default:
			o.mu.Unlock()
			return
		}
	}

	var to TaskStatus
	switch {
	case failed != nil:
		to = TaskFailed
		task.FailureReason = "run " + failed.ID + ": " + failed.FailureReason
	case succeeded:
		to = TaskSucceeded
	default:
		to = TaskCancelled
		task.FailureReason = "all runs cancelled"
	}
	snapshot := o.taskTransitionLocked(task, to)
	o.mu.Unlock()

	o.recordTask(ctx, snapshot)
	log.Info().Str("task", taskID).Str("status", string(to)).Int("runs", len(runs)).Msg("task finalized")
	if to == TaskFailed {
		o.dispatcher.OnAnomaly(ctx, AlertTaskFailure, SeverityHigh,
			AlertRef{TaskID: taskID, RunID: failed.ID, DeviceID: failed.DeviceID},
			"task failed: "+snapshot.FailureReason)
	}
}

// RecordProgress folds one producer progress record into the run counters.
// Progress for a terminal run is dropped; progress for an unknown run is an
// error the producer should surface.
func (o *Orchestrator) RecordProgress(ctx context.Context, p Progress) error {
	o.mu.Lock()
	run, ok := o.runs[p.RunID]
	if !ok {
		o.mu.Unlock()
		return errors.Errorf("run %s not found", p.RunID)
	}
	if run.Status.Terminal() {
		o.mu.Unlock()
		return nil
	}
	run.Counters.ScreensVisited += p.ScreensVisited
	run.Counters.ActionsExecuted += p.ActionsExecuted
	run.Counters.LocatorsProduced += p.LocatorsProduced
	run.Counters.FailedLocators += p.FailedLocators
	snapshot := *run
	exec := o.execs[p.RunID]

	locatorAlert := false
	diffAlert := false
	if exec != nil {
		if run.Counters.FailedLocators >= o.cfg.FailedLocatorThreshold && !exec.locatorAlerted {
			exec.locatorAlerted = true
			locatorAlert = true
		}
		if p.DiffSeverity >= o.cfg.DiffSeverityThreshold && !exec.diffAlerted {
			exec.diffAlerted = true
			diffAlert = true
		}
	}
	o.mu.Unlock()

	o.recordRun(ctx, snapshot)
	ref := AlertRef{TaskID: snapshot.TaskID, RunID: snapshot.ID, DeviceID: snapshot.DeviceID}
	if locatorAlert {
		o.dispatcher.OnAnomaly(ctx, AlertLocatorFailure, SeverityHigh, ref,
			"failed locator count crossed threshold")
	}
	if diffAlert {
		o.dispatcher.OnAnomaly(ctx, AlertScreenDiff, SeverityHigh, ref,
			"screen diff severity crossed threshold")
	}
	return nil
}

// ReportProducerError records a producer-side anomaly against a run without
// terminating it.
func (o *Orchestrator) ReportProducerError(ctx context.Context, runID string, cause error) error {
	o.mu.Lock()
	run, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return errors.Errorf("run %s not found", runID)
	}
	ref := AlertRef{TaskID: run.TaskID, RunID: run.ID, DeviceID: run.DeviceID}
	o.mu.Unlock()

	o.dispatcher.OnAnomaly(ctx, AlertProducerError, SeverityMedium, ref, cause.Error())
	return nil
}
