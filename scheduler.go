package explorerd

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Submit validates and admits a new exploration task. The task is durably
// queued before any device is considered; dispatch follows asynchronously.
func (o *Orchestrator) Submit(ctx context.Context, spec TaskSpec) (Task, error) {
	if spec.AppVersion == "" {
		return Task{}, errors.New("app version cannot be empty")
	}
	if spec.DeviceCount < 1 {
		return Task{}, errors.New("device count must be at least 1")
	}
	if err := spec.Coverage.Validate(); err != nil {
		return Task{}, errors.Wrap(err, "invalid coverage policy")
	}

	task := Task{
		ID:        uuid.NewString(),
		Spec:      spec,
		Status:    TaskQueued,
		CreatedAt: time.Now(),
	}

	o.mu.Lock()
	stored := task
	o.tasks[task.ID] = &stored
	o.dispatcher.OnTransition(EntityTask, task.ID, "", string(TaskQueued))
	o.mu.Unlock()

	o.recordTask(ctx, task)
	log.Info().
		Str("task", task.ID).
		Str("app_version", spec.AppVersion).
		Int("device_count", spec.DeviceCount).
		Int("priority", spec.Priority).
		Str("coverage", string(spec.Coverage.Kind)).
		Msg("task submitted")

	o.TriggerDispatch()
	return task, nil
}

// Retry clones a failed or cancelled task into a fresh queued task. The
// original stays terminal for audit.
func (o *Orchestrator) Retry(ctx context.Context, taskID string) (Task, error) {
	o.mu.Lock()
	orig, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return Task{}, errors.Errorf("task %s not found", taskID)
	}
	if orig.Status != TaskFailed && orig.Status != TaskCancelled {
		status := orig.Status
		o.mu.Unlock()
		return Task{}, errors.Errorf("task %s is %s, only failed or cancelled tasks can be retried", taskID, string(status))
	}
	spec := orig.Spec
	o.mu.Unlock()

	task := Task{
		ID:        uuid.NewString(),
		Spec:      spec,
		Status:    TaskQueued,
		RetryOf:   taskID,
		CreatedAt: time.Now(),
	}
	o.mu.Lock()
	stored := task
	o.tasks[task.ID] = &stored
	o.dispatcher.OnTransition(EntityTask, task.ID, "", string(TaskQueued))
	o.mu.Unlock()

	o.recordTask(ctx, task)
	log.Info().Str("task", task.ID).Str("retry_of", taskID).Msg("task resubmitted")
	o.TriggerDispatch()
	return task, nil
}

// Cancel requests termination of a task. A queued task is cancelled on the
// spot; a running task gets a cooperative cancel fanned out to its live
// runs, and the aggregation that follows their completion finalizes it.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return errors.Errorf("task %s not found", taskID)
	}
	switch task.Status {
	case TaskQueued:
		task.FailureReason = "cancelled by operator"
		snapshot := o.taskTransitionLocked(task, TaskCancelled)
		o.mu.Unlock()
		o.recordTask(ctx, snapshot)
		log.Info().Str("task", taskID).Msg("queued task cancelled")
		return nil
	case TaskRunning:
		var live []string
		for runID, run := range o.runs {
			if run.TaskID != taskID || run.Status.Terminal() {
				continue
			}
			if _, ok := o.execs[runID]; ok {
				live = append(live, runID)
			}
		}
		o.mu.Unlock()
		for _, runID := range live {
			o.requestCancel(runID)
		}
		log.Info().Str("task", taskID).Int("runs", len(live)).Msg("cancel requested")
		return nil
	default:
		status := task.Status
		o.mu.Unlock()
		return errors.Errorf("task %s is already %s", taskID, string(status))
	}
}

// Dispatch runs one scheduling cycle: adopt externally queued tasks, then
// walk the queue in priority order and lease devices. A task starts as soon
// as at least one device can be leased; tasks that got nothing stay queued.
// Returns how many tasks were started.
func (o *Orchestrator) Dispatch(ctx context.Context) int {
	o.adoptQueued(ctx)

	o.mu.Lock()
	queued := make([]*Task, 0)
	for _, t := range o.tasks {
		if t.Status == TaskQueued {
			queued = append(queued, t)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		a, b := queued[i], queued[j]
		if a.Spec.Priority != b.Spec.Priority {
			return a.Spec.Priority > b.Spec.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	started := 0
	var records []TaskRun
	var taskRecords []Task
	var newRuns []string
	for _, task := range queued {
		runIDs := o.leaseForTaskLocked(task, &records)
		if len(runIDs) == 0 {
			continue
		}
		taskRecords = append(taskRecords, o.taskTransitionLocked(task, TaskRunning))
		newRuns = append(newRuns, runIDs...)
		started++
	}
	if len(newRuns) > 0 {
		o.bg.Add(len(newRuns))
	}
	o.mu.Unlock()

	for i := range taskRecords {
		o.recordTask(ctx, taskRecords[i])
	}
	for i := range records {
		o.recordRun(ctx, records[i])
	}
	for _, runID := range newRuns {
		go o.executeRun(runID)
	}
	if started > 0 {
		log.Info().Int("tasks", started).Int("runs", len(newRuns)).Msg("dispatched")
	}
	return started
}

// leaseForTaskLocked leases up to DeviceCount matching devices and creates a
// run per lease. Caller holds o.mu.
func (o *Orchestrator) leaseForTaskLocked(task *Task, records *[]TaskRun) []string {
	var runIDs []string
	now := time.Now()
	for _, device := range o.registry.Available(task.Spec.DeviceTags) {
		if len(runIDs) == task.Spec.DeviceCount {
			break
		}
		runID := uuid.NewString()
		token, err := o.registry.Lease(device.ID, runID)
		if err != nil {
			// Lost the device to a concurrent lease; try the next one.
			if !IsNotAvailable(err) {
				log.Error().Err(err).Str("device", device.ID).Msg("lease failed")
			}
			continue
		}
		run := &TaskRun{
			ID:        runID,
			TaskID:    task.ID,
			DeviceID:  device.ID,
			Status:    RunCreated,
			CreatedAt: now,
		}
		o.runs[runID] = run
		o.execs[runID] = newRunExec(token)
		o.dispatcher.OnTransition(EntityRun, runID, "", string(RunCreated))
		*records = append(*records, *run)
		runIDs = append(runIDs, runID)
	}
	return runIDs
}

// adoptQueued pulls externally submitted queued tasks (submit CLI rows) into
// the in-memory table so the dispatch cycle sees them.
func (o *Orchestrator) adoptQueued(ctx context.Context) {
	if o.source == nil {
		return
	}
	tasks, err := o.source.FetchQueuedTasks(ctx, o.cfg.AdoptBatch)
	if err != nil {
		log.Error().Err(err).Msg("fetch queued tasks failed")
		return
	}
	adopted := 0
	o.mu.Lock()
	for i := range tasks {
		t := tasks[i]
		if _, known := o.tasks[t.ID]; known {
			continue
		}
		if t.Status != TaskQueued {
			continue
		}
		o.tasks[t.ID] = &t
		o.dispatcher.OnTransition(EntityTask, t.ID, "", string(TaskQueued))
		adopted++
	}
	o.mu.Unlock()
	if adopted > 0 {
		log.Info().Int("tasks", adopted).Msg("adopted queued tasks")
	}
}

// taskTransitionLocked applies a task status change and publishes the event.
// Caller holds o.mu; returns a snapshot for recording.
func (o *Orchestrator) taskTransitionLocked(task *Task, to TaskStatus) Task {
	from := task.Status
	task.Status = to
	if to.Terminal() {
		task.EndedAt = time.Now()
	}
	o.dispatcher.OnTransition(EntityTask, task.ID, string(from), string(to))
	return *task
}

// runTransitionLocked applies a run status change and publishes the event.
// Caller holds o.mu; returns a snapshot for recording.
func (o *Orchestrator) runTransitionLocked(run *TaskRun, to RunStatus) TaskRun {
	from := run.Status
	run.Status = to
	now := time.Now()
	if to == RunRunning && run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if to.Terminal() {
		run.EndedAt = now
	}
	o.dispatcher.OnTransition(EntityRun, run.ID, string(from), string(to))
	return *run
}

func (o *Orchestrator) taskRunsLocked(taskID string) []TaskRun {
	out := make([]TaskRun, 0)
	for _, run := range o.runs {
		if run.TaskID == taskID {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (o *Orchestrator) recordTask(ctx context.Context, task Task) {
	if err := o.recorder.RecordTask(ctx, task); err != nil {
		log.Error().Err(err).Str("task", task.ID).Msg("record task failed")
	}
}

func (o *Orchestrator) recordRun(ctx context.Context, run TaskRun) {
	if err := o.recorder.RecordRun(ctx, run); err != nil {
		log.Error().Err(err).Str("run", run.ID).Msg("record run failed")
	}
}

// cancelLiveRuns fans a cancel request out to every live run, used on
// shutdown.
func (o *Orchestrator) cancelLiveRuns(reason string) {
	o.mu.Lock()
	live := make([]string, 0, len(o.execs))
	for runID := range o.execs {
		live = append(live, runID)
	}
	o.mu.Unlock()
	if len(live) == 0 {
		return
	}
	log.Info().Int("runs", len(live)).Str("reason", reason).Msg("cancelling live runs")
	for _, runID := range live {
		o.requestCancel(runID)
	}
}
