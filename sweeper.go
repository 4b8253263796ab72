package explorerd

import (
	"context"

	"github.com/rs/zerolog/log"
)

// SweepReport counts the corrections one sweep cycle applied.
type SweepReport struct {
	TasksCancelled    int // running tasks that never got a run
	RunsOrphaned      int // non-terminal runs with no live executor
	RunsFailedOffline int // runs terminated because their device went offline
	LeasesReleased    int // leases whose run was already terminal or gone
	TasksAggregated   int // running tasks finalized from terminal children
	Conflicts         int // corrections skipped because state moved underneath
}

// Empty reports whether the sweep found nothing to repair.
func (r SweepReport) Empty() bool {
	return r == SweepReport{}
}

// Sweep reconciles drift between tasks, runs and leases. Every rule is
// idempotent and re-checks its precondition right before acting, so a
// legitimate transition racing the sweep is skipped rather than clobbered.
func (o *Orchestrator) Sweep(ctx context.Context) SweepReport {
	var report SweepReport

	// Running tasks that lost the race before any run was created have
	// nothing to aggregate from; cancel them.
	o.mu.Lock()
	var bareTasks []string
	for id, task := range o.tasks {
		if task.Status == TaskRunning && len(o.taskRunsLocked(id)) == 0 {
			bareTasks = append(bareTasks, id)
		}
	}
	o.mu.Unlock()
	for _, taskID := range bareTasks {
		o.mu.Lock()
		task, ok := o.tasks[taskID]
		if !ok || task.Status != TaskRunning || len(o.taskRunsLocked(taskID)) != 0 {
			o.mu.Unlock()
			report.Conflicts++
			continue
		}
		task.FailureReason = "no runs were created"
		snapshot := o.taskTransitionLocked(task, TaskCancelled)
		o.mu.Unlock()
		o.recordTask(ctx, snapshot)
		log.Warn().Str("task", taskID).Msg("sweep: cancelled running task with no runs")
		report.TasksCancelled++
	}

	// Non-terminal runs with no executor goroutine exist only after a
	// restart or a bug; nobody will ever complete them.
	o.mu.Lock()
	var orphans []string
	for id, run := range o.runs {
		if !run.Status.Terminal() {
			if _, live := o.execs[id]; !live {
				orphans = append(orphans, id)
			}
		}
	}
	o.mu.Unlock()
	for _, runID := range orphans {
		log.Warn().Str("run", runID).Msg("sweep: failing run with no live executor")
		changed, err := o.complete(ctx, runID, Failure("no live executor"))
		switch {
		case err != nil:
		case changed:
			report.RunsOrphaned++
		default:
			report.Conflicts++
		}
	}

	// Runs whose device was marked offline cannot make progress; fail
	// them so the lease is released under the offline mark.
	for deviceID, runID := range o.registry.OfflineLeased() {
		o.mu.Lock()
		exec := o.execs[runID]
		o.mu.Unlock()
		log.Warn().Str("run", runID).Str("device", deviceID).Msg("sweep: failing run on offline device")
		changed, err := o.complete(ctx, runID, Failure("device went offline"))
		// Wake the executor after the outcome is committed so its own
		// cancel path lands on a terminal run.
		if exec != nil {
			exec.cancelOnce.Do(func() { close(exec.cancelCh) })
		}
		switch {
		case err != nil:
			// Unknown run; the stale-lease rule below frees the device.
		case changed:
			report.RunsFailedOffline++
		default:
			report.Conflicts++
		}
	}

	// Leases pointing at terminal or unknown runs are leaked capacity.
	for deviceID, runID := range o.registry.Leases() {
		o.mu.Lock()
		run, known := o.runs[runID]
		stale := !known || run.Status.Terminal()
		o.mu.Unlock()
		if !stale {
			continue
		}
		if err := o.registry.ForceReleaseIf(deviceID, runID); IsReconcileConflict(err) {
			report.Conflicts++
			continue
		}
		log.Warn().Str("device", deviceID).Str("run", runID).Msg("sweep: released stale lease")
		report.LeasesReleased++
	}

	// Running tasks whose children all reached terminal state but whose
	// aggregation was lost (e.g. a crash between child commit and parent
	// update) are finalized here.
	o.mu.Lock()
	var pending []string
	for id, task := range o.tasks {
		if task.Status != TaskRunning {
			continue
		}
		runs := o.taskRunsLocked(id)
		if len(runs) == 0 {
			continue
		}
		done := true
		for i := range runs {
			if !runs[i].Status.Terminal() {
				done = false
				break
			}
		}
		if done {
			pending = append(pending, id)
		}
	}
	o.mu.Unlock()
	for _, taskID := range pending {
		o.aggregateTask(ctx, taskID)
		if task, ok := o.Task(taskID); ok && task.Status.Terminal() {
			report.TasksAggregated++
		}
	}

	return report
}

// Recover drains all in-flight state after a restart with unrecoverable
// executors: queued tasks are cancelled, non-terminal runs are cancelled,
// leases are released and any task left running is cancelled. Intended for
// the administrative recover command.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.mu.Lock()
	var queued []string
	for id, task := range o.tasks {
		if task.Status == TaskQueued {
			queued = append(queued, id)
		}
	}
	var open []string
	for id, run := range o.runs {
		if !run.Status.Terminal() {
			open = append(open, id)
		}
	}
	o.mu.Unlock()

	for _, taskID := range queued {
		o.mu.Lock()
		task, ok := o.tasks[taskID]
		if !ok || task.Status != TaskQueued {
			o.mu.Unlock()
			continue
		}
		task.FailureReason = "administrative recovery"
		snapshot := o.taskTransitionLocked(task, TaskCancelled)
		o.mu.Unlock()
		o.recordTask(ctx, snapshot)
		log.Warn().Str("task", taskID).Msg("recover: cancelled queued task")
	}

	for _, runID := range open {
		log.Warn().Str("run", runID).Msg("recover: cancelling run")
		if err := o.Complete(ctx, runID, Cancelled("administrative recovery")); err != nil {
			log.Error().Err(err).Str("run", runID).Msg("recover: complete failed")
		}
	}

	// Draining the runs finalizes their parents through aggregation. What
	// is left running either never got a run or lost its aggregation to a
	// crash; close those out too.
	o.mu.Lock()
	var stuck []string
	for id, task := range o.tasks {
		if task.Status == TaskRunning {
			stuck = append(stuck, id)
		}
	}
	o.mu.Unlock()
	for _, taskID := range stuck {
		o.aggregateTask(ctx, taskID)
		o.mu.Lock()
		task, ok := o.tasks[taskID]
		if !ok || task.Status != TaskRunning {
			o.mu.Unlock()
			continue
		}
		task.FailureReason = "administrative recovery"
		snapshot := o.taskTransitionLocked(task, TaskCancelled)
		o.mu.Unlock()
		o.recordTask(ctx, snapshot)
		log.Warn().Str("task", taskID).Msg("recover: cancelled running task")
	}

	for deviceID, runID := range o.registry.Leases() {
		if err := o.registry.ForceReleaseIf(deviceID, runID); err == nil {
			log.Warn().Str("device", deviceID).Str("run", runID).Msg("recover: released lease")
		}
	}
	log.Info().Int("tasks", len(queued)).Int("runs", len(open)).Msg("recovery complete")
	return nil
}
