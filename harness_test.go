package explorerd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var errTestSession = errors.New("session crashed")

// stubDriver is an in-memory session driver keyed by device serial. Tests
// finish sessions by pushing a result into the watch channel.
type stubDriver struct {
	mu       sync.Mutex
	sessions map[string]chan SessionResult
	ended    []string

	started    chan string
	startErr   error
	startBlock bool
	silentEnd  bool
}

func newStubDriver() *stubDriver {
	return &stubDriver{
		sessions: make(map[string]chan SessionResult),
		started:  make(chan string, 16),
	}
}

func (d *stubDriver) StartSession(ctx context.Context, device Device) (SessionHandle, error) {
	if d.startBlock {
		<-ctx.Done()
		return SessionHandle{}, ctx.Err()
	}
	d.mu.Lock()
	if d.startErr != nil {
		err := d.startErr
		d.mu.Unlock()
		return SessionHandle{}, err
	}
	ch := make(chan SessionResult, 1)
	d.sessions[device.Serial] = ch
	d.mu.Unlock()
	d.started <- device.Serial
	return SessionHandle{ID: "sess-" + device.Serial, Serial: device.Serial}, nil
}

func (d *stubDriver) EndSession(ctx context.Context, handle SessionHandle) error {
	d.mu.Lock()
	d.ended = append(d.ended, handle.Serial)
	ch := d.sessions[handle.Serial]
	silent := d.silentEnd
	d.mu.Unlock()
	if ch != nil && !silent {
		select {
		case ch <- SessionResult{}:
		default:
		}
	}
	return nil
}

func (d *stubDriver) Watch(handle SessionHandle) <-chan SessionResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.sessions[handle.Serial]
	if !ok {
		ch = make(chan SessionResult, 1)
		ch <- SessionResult{Err: errors.Errorf("unknown session %s", handle.ID)}
	}
	return ch
}

// finish ends the session on serial with the given error (nil for success).
func (d *stubDriver) finish(serial string, err error) {
	d.mu.Lock()
	ch := d.sessions[serial]
	d.mu.Unlock()
	if ch != nil {
		ch <- SessionResult{Err: err}
	}
}

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Publish(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) byEntity(id string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.EntityID == id {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestOrchestrator(t *testing.T, driver *stubDriver, serials ...string) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		Driver:                 driver,
		StartTimeout:           2 * time.Second,
		CancelGrace:            2 * time.Second,
		FailedLocatorThreshold: 3,
		DiffSeverityThreshold:  0.8,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, serial := range serials {
		if err := o.Registry().Register(Device{ID: serial, Serial: serial, Tags: []string{"android"}}); err != nil {
			t.Fatalf("register %s: %v", serial, err)
		}
	}
	return o
}

func submitTask(t *testing.T, o *Orchestrator, count, priority int) Task {
	t.Helper()
	task, err := o.Submit(context.Background(), TaskSpec{
		AppVersion:  "1.2.3",
		DeviceCount: count,
		Priority:    priority,
		Coverage:    CoveragePolicy{Kind: CoverageExhaustive},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return task
}
