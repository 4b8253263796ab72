package explorerd

import (
	"sync"
	"testing"
)

func TestRegistryLeaseRelease(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Device{ID: "d1", Serial: "d1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(Device{ID: "d1"}); !IsConflict(err) {
		t.Fatalf("expected conflict on duplicate registration, got %v", err)
	}

	token, err := r.Lease("d1", "run-1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if d, _ := r.Get("d1"); d.Status != DeviceBusy {
		t.Fatalf("expected busy after lease, got %s", d.Status)
	}
	if _, err := r.Lease("d1", "run-2"); !IsNotAvailable(err) {
		t.Fatalf("expected not-available on double lease, got %v", err)
	}

	r.Release(token)
	if d, _ := r.Get("d1"); d.Status != DeviceAvailable {
		t.Fatalf("expected available after release, got %s", d.Status)
	}

	// Releasing a stale token must not disturb a fresh lease.
	fresh, err := r.Lease("d1", "run-3")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	r.Release(token)
	if run, ok := r.LeasedRun("d1"); !ok || run != "run-3" {
		t.Fatalf("stale release clobbered fresh lease, run=%q ok=%v", run, ok)
	}
	r.Release(fresh)
	r.Release(fresh)
	if d, _ := r.Get("d1"); d.Status != DeviceAvailable {
		t.Fatalf("double release should be a no-op, got %s", d.Status)
	}
}

func TestRegistryConcurrentLeaseSingleWinner(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Device{ID: "d1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan LeaseToken, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if token, err := r.Lease("d1", "run"); err == nil {
				wins <- token
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winning lease, got %d", count)
	}
}

func TestRegistryBusyIffLeased(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		if err := r.Register(Device{ID: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	tokenA, _ := r.Lease("a", "run-a")
	r.MarkOffline("b")

	leases := r.Leases()
	for _, d := range r.Devices() {
		_, leased := leases[d.ID]
		if (d.Status == DeviceBusy) != leased {
			t.Fatalf("device %s: status=%s leased=%v", d.ID, d.Status, leased)
		}
	}
	r.Release(tokenA)
	leases = r.Leases()
	for _, d := range r.Devices() {
		_, leased := leases[d.ID]
		if (d.Status == DeviceBusy) != leased {
			t.Fatalf("after release, device %s: status=%s leased=%v", d.ID, d.Status, leased)
		}
	}
}

func TestRegistryOfflineWhileLeased(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Device{ID: "d1"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	token, err := r.Lease("d1", "run-1")
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	wasLeased, err := r.MarkOffline("d1")
	if err != nil || !wasLeased {
		t.Fatalf("MarkOffline: leased=%v err=%v", wasLeased, err)
	}
	if d, _ := r.Get("d1"); d.Status != DeviceOffline {
		t.Fatalf("expected offline, got %s", d.Status)
	}
	// The lease survives the mark so the sweeper can find the run.
	if run, ok := r.LeasedRun("d1"); !ok || run != "run-1" {
		t.Fatalf("lease lost on offline mark, run=%q ok=%v", run, ok)
	}
	if len(r.OfflineLeased()) != 1 {
		t.Fatalf("expected one offline-leased device")
	}

	// Release lands on offline, not available.
	r.Release(token)
	if d, _ := r.Get("d1"); d.Status != DeviceOffline {
		t.Fatalf("release should land on offline, got %s", d.Status)
	}
	if _, ok := r.LeasedRun("d1"); ok {
		t.Fatalf("lease should be cleared")
	}

	if err := r.MarkAvailable("d1"); err != nil {
		t.Fatalf("MarkAvailable: %v", err)
	}
	if d, _ := r.Get("d1"); d.Status != DeviceAvailable {
		t.Fatalf("expected available, got %s", d.Status)
	}
}

func TestRegistryMarkAvailableRefusesWhileLeased(t *testing.T) {
	r := NewRegistry()
	r.Register(Device{ID: "d1"})
	r.Lease("d1", "run-1")
	r.MarkMaintenance("d1")
	if err := r.MarkAvailable("d1"); !IsConflict(err) {
		t.Fatalf("expected conflict while leased, got %v", err)
	}
}

func TestRegistryAvailableFiltersTags(t *testing.T) {
	r := NewRegistry()
	r.Register(Device{ID: "a", Tags: []string{"android", "pixel"}})
	r.Register(Device{ID: "b", Tags: []string{"android"}})

	got := r.Available([]string{"pixel"})
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected only device a, got %+v", got)
	}
	if got := r.Available(nil); len(got) != 2 {
		t.Fatalf("expected both devices with no tag filter, got %d", len(got))
	}
}

func TestRegistryForceReleaseIf(t *testing.T) {
	r := NewRegistry()
	r.Register(Device{ID: "d1"})
	r.Lease("d1", "run-1")

	if err := r.ForceReleaseIf("d1", "other-run"); !IsReconcileConflict(err) {
		t.Fatalf("expected reconcile conflict when the run does not match, got %v", err)
	}
	if err := r.ForceReleaseIf("d1", "run-1"); err != nil {
		t.Fatalf("force release should succeed for the holding run: %v", err)
	}
	if d, _ := r.Get("d1"); d.Status != DeviceAvailable {
		t.Fatalf("expected available after force release, got %s", d.Status)
	}
	if err := r.ForceReleaseIf("d1", "run-1"); !IsReconcileConflict(err) {
		t.Fatalf("expected reconcile conflict on a cleared lease, got %v", err)
	}
}

func TestRegistryEventOrderUnderConcurrentMarks(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	type transition struct{ from, to DeviceStatus }
	var events []transition
	r.OnTransition(func(d Device, from, to DeviceStatus) {
		mu.Lock()
		events = append(events, transition{from, to})
		mu.Unlock()
	})
	if err := r.Register(Device{ID: "d1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.MarkOffline("d1")
			r.MarkAvailable("d1")
		}()
	}
	wg.Wait()

	// Every event's from-status must chain off the previous event's
	// to-status; a gap means two transitions published out of order.
	mu.Lock()
	defer mu.Unlock()
	prev := DeviceStatus("")
	for i, ev := range events {
		if ev.from != prev {
			t.Fatalf("event %d: from=%s does not chain off %s", i, ev.from, prev)
		}
		prev = ev.to
	}
}
