package explorerd

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const deliverTimeout = 10 * time.Second

// Dispatcher converts state transitions into live events and anomalies into
// durable alerts. Events are published synchronously from the mutating
// path, which preserves per-entity ordering without a global lock; alert
// delivery to the notification channel runs in the background and is
// best-effort.
type Dispatcher struct {
	recorder Recorder
	notifier Notifier
	sinks    []EventSink
	clock    func() time.Time

	mu     sync.Mutex
	alerts map[string]*Alert

	deliveries sync.WaitGroup
}

// NewDispatcher builds a dispatcher. recorder and notifier may be nil.
func NewDispatcher(recorder Recorder, notifier Notifier, sinks ...EventSink) *Dispatcher {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Dispatcher{
		recorder: recorder,
		notifier: notifier,
		sinks:    sinks,
		clock:    time.Now,
		alerts:   make(map[string]*Alert),
	}
}

// OnTransition publishes one status change to every sink.
func (d *Dispatcher) OnTransition(entity EntityType, id, from, to string) {
	ev := Event{
		EntityType: entity,
		EntityID:   id,
		From:       from,
		To:         to,
		At:         d.clock(),
	}
	for _, sink := range d.sinks {
		sink.Publish(ev)
	}
	log.Debug().
		Str("entity", string(entity)).
		Str("id", id).
		Str("from", from).
		Str("to", to).
		Msg("state transition")
}

// OnAnomaly creates a pending alert and forwards it to the notification
// channel. The alert record is the durable source of truth: a forwarding
// failure is logged and the alert stands.
func (d *Dispatcher) OnAnomaly(ctx context.Context, kind AlertKind, severity Severity, ref AlertRef, message string) Alert {
	now := d.clock()
	alert := Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Status:    AlertPending,
		Message:   message,
		Ref:       ref,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Alert events publish under the alert lock so a racing triage cannot
	// reorder them.
	d.mu.Lock()
	stored := alert
	d.alerts[alert.ID] = &stored
	d.OnTransition(EntityAlert, alert.ID, "", string(AlertPending))
	d.mu.Unlock()

	if err := d.recorder.RecordAlert(ctx, alert); err != nil {
		log.Error().Err(err).Str("alert", alert.ID).Msg("record alert failed")
	}
	log.Warn().
		Str("alert", alert.ID).
		Str("kind", string(kind)).
		Str("severity", string(severity)).
		Str("task", ref.TaskID).
		Str("run", ref.RunID).
		Str("device", ref.DeviceID).
		Msg(message)

	if d.notifier != nil {
		d.deliveries.Add(1)
		go func() {
			defer d.deliveries.Done()
			dctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			defer cancel()
			if err := d.notifier.Deliver(dctx, alert); err != nil {
				log.Error().Err(err).Str("alert", alert.ID).Msg("alert delivery failed")
			}
		}()
	}
	return alert
}

// Ack moves a pending alert to acked.
func (d *Dispatcher) Ack(ctx context.Context, alertID string) error {
	return d.setAlertStatus(ctx, alertID, AlertAcked)
}

// Resolve closes an alert as handled.
func (d *Dispatcher) Resolve(ctx context.Context, alertID string) error {
	return d.setAlertStatus(ctx, alertID, AlertResolved)
}

// Ignore closes an alert as noise.
func (d *Dispatcher) Ignore(ctx context.Context, alertID string) error {
	return d.setAlertStatus(ctx, alertID, AlertIgnored)
}

func (d *Dispatcher) setAlertStatus(ctx context.Context, alertID string, status AlertStatus) error {
	d.mu.Lock()
	alert, ok := d.alerts[alertID]
	if !ok {
		d.mu.Unlock()
		return errors.Errorf("alert %s not found", alertID)
	}
	from := alert.Status
	if from == status {
		d.mu.Unlock()
		return nil
	}
	alert.Status = status
	alert.UpdatedAt = d.clock()
	snapshot := *alert
	d.OnTransition(EntityAlert, alertID, string(from), string(status))
	d.mu.Unlock()

	if err := d.recorder.RecordAlert(ctx, snapshot); err != nil {
		log.Error().Err(err).Str("alert", alertID).Msg("record alert status failed")
	}
	return nil
}

// Alerts returns snapshots of all alerts, newest first.
func (d *Dispatcher) Alerts() []Alert {
	d.mu.Lock()
	out := make([]Alert, 0, len(d.alerts))
	for _, a := range d.alerts {
		out = append(out, *a)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Flush waits for in-flight alert deliveries. Used in tests and shutdown.
func (d *Dispatcher) Flush() {
	d.deliveries.Wait()
}
