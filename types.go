package explorerd

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// DeviceStatus describes where a device sits in the pool lifecycle.
type DeviceStatus string

const (
	DeviceAvailable   DeviceStatus = "available"
	DeviceBusy        DeviceStatus = "busy"
	DeviceOffline     DeviceStatus = "offline"
	DeviceMaintenance DeviceStatus = "maintenance"
)

// Device is one physical or virtual target capable of running a single
// exploration session at a time.
type Device struct {
	ID            string
	Serial        string
	Model         string
	Tags          []string
	Status        DeviceStatus
	LastHeartbeat time.Time
}

// HasTags reports whether the device carries every required tag.
func (d Device) HasTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(d.Tags))
	for _, tag := range d.Tags {
		set[tag] = struct{}{}
	}
	for _, tag := range required {
		if _, ok := set[tag]; !ok {
			return false
		}
	}
	return true
}

// LeaseToken proves exclusive use of one device by one run. Tokens are
// single-use: releasing a stale token is a no-op.
type LeaseToken struct {
	ID       string
	DeviceID string
	RunID    string
}

// CoverageKind selects the exploration breadth strategy for a task.
type CoverageKind string

const (
	CoverageExhaustive CoverageKind = "exhaustive"
	CoverageBounded    CoverageKind = "bounded"
	CoverageCustom     CoverageKind = "custom"
)

// CoveragePolicy describes how broadly a task should explore the app.
type CoveragePolicy struct {
	Kind     CoverageKind
	MaxDepth int      // bounded only
	Paths    []string // custom only
}

// Validate checks the structural preconditions the scheduler relies on.
// Full semantic validation belongs to the request layer.
func (p CoveragePolicy) Validate() error {
	switch p.Kind {
	case CoverageExhaustive:
		return nil
	case CoverageBounded:
		if p.MaxDepth <= 0 {
			return errors.New("bounded coverage requires max depth > 0")
		}
		return nil
	case CoverageCustom:
		if len(p.Paths) == 0 {
			return errors.New("custom coverage requires at least one path")
		}
		return nil
	default:
		return errors.Errorf("unknown coverage kind %q", string(p.Kind))
	}
}

// TaskStatus enumerates the task lifecycle.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TaskSpec is the requested unit of exploration work.
type TaskSpec struct {
	AppVersion    string
	DeviceCount   int
	DeviceTags    []string
	Priority      int
	Coverage      CoveragePolicy
	ExcludedPaths []string
}

// Task tracks one submitted exploration request across its device runs.
// Tasks are never deleted; terminal tasks are retained for audit.
type Task struct {
	ID            string
	Spec          TaskSpec
	Status        TaskStatus
	FailureReason string
	RetryOf       string
	CreatedAt     time.Time
	EndedAt       time.Time
}

// RunStatus enumerates the per-device run lifecycle. Created is transient:
// it only exists between lease acquisition and session-start confirmation.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// RunCounters accumulates progress reported by the locator/diff producer.
type RunCounters struct {
	ScreensVisited   int64
	ActionsExecuted  int64
	LocatorsProduced int64
	FailedLocators   int64
}

// TaskRun is the execution of one task on one device. The run owns its
// device lease for its entire non-terminal lifetime.
type TaskRun struct {
	ID            string
	TaskID        string
	DeviceID      string
	Status        RunStatus
	Counters      RunCounters
	FailureReason string
	CreatedAt     time.Time
	StartedAt     time.Time
	EndedAt       time.Time
}

// Outcome is the terminal result fed into Complete.
type Outcome struct {
	status RunStatus
	reason string
}

func Success() Outcome                { return Outcome{status: RunSucceeded} }
func Failure(reason string) Outcome   { return Outcome{status: RunFailed, reason: reason} }
func Cancelled(reason string) Outcome { return Outcome{status: RunCancelled, reason: reason} }

// Progress is one record from the locator/diff producer stream. Counter
// fields are deltas; DiffSeverity is the severity of the latest screen diff.
type Progress struct {
	RunID            string
	ScreensVisited   int64
	ActionsExecuted  int64
	LocatorsProduced int64
	FailedLocators   int64
	DiffSeverity     float64
}

// AlertKind classifies a detected anomaly.
type AlertKind string

const (
	AlertLocatorFailure AlertKind = "locator_failure"
	AlertTaskFailure    AlertKind = "task_failure"
	AlertScreenDiff     AlertKind = "screen_diff"
	AlertDeviceOffline  AlertKind = "device_offline"
	AlertProducerError  AlertKind = "producer_error"
	AlertInternalError  AlertKind = "internal_error"
)

// Severity ranks how urgently a human should look at an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// AlertStatus tracks human triage of an alert.
type AlertStatus string

const (
	AlertPending  AlertStatus = "pending"
	AlertAcked    AlertStatus = "acked"
	AlertResolved AlertStatus = "resolved"
	AlertIgnored  AlertStatus = "ignored"
)

// AlertRef links an alert back to whichever entities triggered it.
type AlertRef struct {
	TaskID   string
	RunID    string
	DeviceID string
}

// Alert is a durable record of an anomaly requiring human attention. The
// record is the source of truth; channel delivery is best-effort.
type Alert struct {
	ID        string
	Kind      AlertKind
	Severity  Severity
	Status    AlertStatus
	Message   string
	Ref       AlertRef
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntityType tags live events by the entity they describe.
type EntityType string

const (
	EntityTask   EntityType = "task"
	EntityRun    EntityType = "run"
	EntityDevice EntityType = "device"
	EntityAlert  EntityType = "alert"
)

// Event is one live status transition published to dashboards.
type Event struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	From       string     `json:"fromStatus"`
	To         string     `json:"toStatus"`
	At         time.Time  `json:"timestamp"`
}

// EventSink receives live events. Delivery is at-least-once; ordering is
// only guaranteed per entity.
type EventSink interface {
	Publish(ev Event)
}

// Notifier forwards alerts to an external channel (chat webhook, ops table).
type Notifier interface {
	Deliver(ctx context.Context, alert Alert) error
}

// SessionHandle identifies a live automation-driver session.
type SessionHandle struct {
	ID     string
	Serial string
}

// SessionResult reports how a session ended. A nil Err means the
// exploration finished (or tore down) cleanly.
type SessionResult struct {
	Err error
}

// SessionDriver is the automation-driver collaborator. Watch delivers the
// asynchronous session-health signal: exactly one result per session.
type SessionDriver interface {
	StartSession(ctx context.Context, device Device) (SessionHandle, error)
	EndSession(ctx context.Context, handle SessionHandle) error
	Watch(handle SessionHandle) <-chan SessionResult
}

// Recorder mirrors orchestrator state into durable storage. Failures are
// logged by callers and never block a transition.
type Recorder interface {
	RecordDevice(ctx context.Context, device Device) error
	RecordTask(ctx context.Context, task Task) error
	RecordRun(ctx context.Context, run TaskRun) error
	RecordAlert(ctx context.Context, alert Alert) error
}

type noopRecorder struct{}

func (noopRecorder) RecordDevice(ctx context.Context, device Device) error { return nil }
func (noopRecorder) RecordTask(ctx context.Context, task Task) error       { return nil }
func (noopRecorder) RecordRun(ctx context.Context, run TaskRun) error      { return nil }
func (noopRecorder) RecordAlert(ctx context.Context, alert Alert) error    { return nil }

// TaskSource supplies externally submitted tasks (e.g. rows inserted by the
// submit CLI) that the scheduler adopts on each dispatch cycle.
type TaskSource interface {
	FetchQueuedTasks(ctx context.Context, limit int) ([]Task, error)
}

// DeviceProvider returns the currently connected device serials; it drives
// registration and heartbeats.
type DeviceProvider interface {
	ListDevices(ctx context.Context) ([]string, error)
}
