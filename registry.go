package explorerd

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Registry maintains the device pool and owns every status mutation that
// involves a lease. Lease and Release are the only paths that move a device
// in or out of busy, implemented as compare-and-set under the registry lock
// so concurrent lease attempts for one device never both succeed.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*deviceEntry

	// onTransition and onRelease fire under the registry lock so per-device
	// event order matches the order mutations were applied. Callbacks must
	// be in-memory only and must not call back into the registry.
	onTransition func(d Device, from, to DeviceStatus)
	onRelease    func(deviceID string)
}

type deviceEntry struct {
	device   Device
	leaseID  string
	leaseRun string
	// nextStatus remembers an offline/maintenance mark recorded while the
	// device was leased; Release applies it instead of available.
	nextStatus DeviceStatus
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*deviceEntry)}
}

// OnTransition installs a callback fired on every device status change.
func (r *Registry) OnTransition(fn func(d Device, from, to DeviceStatus)) {
	r.onTransition = fn
}

// OnRelease installs a callback fired after every successful release, so
// the scheduler can reclaim freed devices promptly.
func (r *Registry) OnRelease(fn func(deviceID string)) {
	r.onRelease = fn
}

// Register adds a device to the pool in available status.
func (r *Registry) Register(d Device) error {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return errors.New("device id cannot be empty")
	}
	d.ID = id
	if d.Serial == "" {
		d.Serial = id
	}
	d.Status = DeviceAvailable
	if d.LastHeartbeat.IsZero() {
		d.LastHeartbeat = time.Now()
	}

	r.mu.Lock()
	if _, exists := r.devices[id]; exists {
		r.mu.Unlock()
		return errors.Wrapf(ErrConflict, "device %s already registered", id)
	}
	entry := &deviceEntry{device: d}
	r.devices[id] = entry
	r.notifyLocked(entry, "", DeviceAvailable)
	r.mu.Unlock()

	log.Info().Str("device", id).Str("serial", d.Serial).Msg("device registered")
	return nil
}

// Lease atomically moves an available device to busy on behalf of runID.
func (r *Registry) Lease(deviceID, runID string) (LeaseToken, error) {
	r.mu.Lock()
	entry, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return LeaseToken{}, errors.Wrapf(ErrNotAvailable, "device %s not registered", deviceID)
	}
	if entry.device.Status != DeviceAvailable {
		status := entry.device.Status
		r.mu.Unlock()
		return LeaseToken{}, errors.Wrapf(ErrNotAvailable, "device %s is %s", deviceID, string(status))
	}
	if entry.leaseID != "" {
		// Available with a live lease cannot happen; treat as a bug.
		r.mu.Unlock()
		return LeaseToken{}, errors.Wrapf(ErrConflict, "device %s already leased to run %s", deviceID, entry.leaseRun)
	}
	token := LeaseToken{ID: uuid.NewString(), DeviceID: deviceID, RunID: runID}
	entry.leaseID = token.ID
	entry.leaseRun = runID
	entry.device.Status = DeviceBusy
	r.notifyLocked(entry, DeviceAvailable, DeviceBusy)
	r.mu.Unlock()

	return token, nil
}

// Release returns a leased device to the pool. It is idempotent: a stale or
// already-released token is a no-op, because crash-recovery paths may call
// it twice. The device lands on available unless an offline or maintenance
// mark was recorded while it was leased.
func (r *Registry) Release(token LeaseToken) {
	r.mu.Lock()
	entry, ok := r.devices[token.DeviceID]
	if !ok || entry.leaseID == "" || entry.leaseID != token.ID {
		r.mu.Unlock()
		return
	}
	from, to := r.clearLeaseLocked(entry)
	if from != to {
		r.notifyLocked(entry, from, to)
	}
	if r.onRelease != nil {
		r.onRelease(token.DeviceID)
	}
	r.mu.Unlock()
}

// ForceReleaseIf clears an orphaned lease, but only when the device is
// still leased to runID. Used by the sweeper; returns ErrReconcileConflict
// when the precondition stopped holding.
func (r *Registry) ForceReleaseIf(deviceID, runID string) error {
	r.mu.Lock()
	entry, ok := r.devices[deviceID]
	if !ok || entry.leaseID == "" || entry.leaseRun != runID {
		r.mu.Unlock()
		return errors.Wrapf(ErrReconcileConflict, "device %s no longer leased to run %s", deviceID, runID)
	}
	from, to := r.clearLeaseLocked(entry)
	if from != to {
		r.notifyLocked(entry, from, to)
	}
	if r.onRelease != nil {
		r.onRelease(deviceID)
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) clearLeaseLocked(entry *deviceEntry) (from, to DeviceStatus) {
	from = entry.device.Status
	entry.leaseID = ""
	entry.leaseRun = ""
	to = DeviceAvailable
	if entry.nextStatus != "" {
		to = entry.nextStatus
		entry.nextStatus = ""
	} else if from == DeviceOffline || from == DeviceMaintenance {
		to = from
	}
	entry.device.Status = to
	return from, to
}

// MarkOffline records a heartbeat timeout or administrative offline. On a
// leased device the lease is kept; the sweeper terminates the orphaned run.
// Returns true when the device was leased at the time of the mark.
func (r *Registry) MarkOffline(deviceID string) (wasLeased bool, err error) {
	return r.mark(deviceID, DeviceOffline)
}

// MarkMaintenance soft-retires a device. Historical runs keep referencing
// it; it simply stops being leasable.
func (r *Registry) MarkMaintenance(deviceID string) (wasLeased bool, err error) {
	return r.mark(deviceID, DeviceMaintenance)
}

func (r *Registry) mark(deviceID string, status DeviceStatus) (bool, error) {
	r.mu.Lock()
	entry, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return false, errors.Errorf("device %s not registered", deviceID)
	}
	from := entry.device.Status
	leased := entry.leaseID != ""
	entry.device.Status = status
	if leased {
		entry.nextStatus = status
	}
	if from != status {
		r.notifyLocked(entry, from, status)
	}
	r.mu.Unlock()

	return leased, nil
}

// MarkAvailable returns an offline or maintenance device to the pool. It
// refuses while a lease is still held.
func (r *Registry) MarkAvailable(deviceID string) error {
	r.mu.Lock()
	entry, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf("device %s not registered", deviceID)
	}
	if entry.leaseID != "" {
		r.mu.Unlock()
		return errors.Wrapf(ErrConflict, "device %s still leased to run %s", deviceID, entry.leaseRun)
	}
	from := entry.device.Status
	if from == DeviceAvailable {
		r.mu.Unlock()
		return nil
	}
	entry.device.Status = DeviceAvailable
	entry.nextStatus = ""
	entry.device.LastHeartbeat = time.Now()
	r.notifyLocked(entry, from, DeviceAvailable)
	r.mu.Unlock()

	return nil
}

// Touch refreshes the device heartbeat. Tags and heartbeat time are free to
// change without the status CAS.
func (r *Registry) Touch(deviceID string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	entry.device.LastHeartbeat = at
	return true
}

// SetTags replaces the device tag set.
func (r *Registry) SetTags(deviceID string, tags []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.devices[deviceID]
	if !ok {
		return false
	}
	entry.device.Tags = append([]string(nil), tags...)
	return true
}

// Get returns a snapshot of one device.
func (r *Registry) Get(deviceID string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return snapshotDevice(entry), true
}

// Devices returns snapshots of the whole pool, ordered by ID.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	out := make([]Device, 0, len(r.devices))
	for _, entry := range r.devices {
		out = append(out, snapshotDevice(entry))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns leasable devices matching every required tag, ordered
// by ID so dispatch is deterministic.
func (r *Registry) Available(tags []string) []Device {
	r.mu.Lock()
	out := make([]Device, 0, len(r.devices))
	for _, entry := range r.devices {
		if entry.device.Status != DeviceAvailable || entry.leaseID != "" {
			continue
		}
		if !entry.device.HasTags(tags) {
			continue
		}
		out = append(out, snapshotDevice(entry))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LeasedRun returns the run currently holding the device, if any.
func (r *Registry) LeasedRun(deviceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.devices[deviceID]
	if !ok || entry.leaseID == "" {
		return "", false
	}
	return entry.leaseRun, true
}

// Leases returns the deviceID -> runID map of live leases.
func (r *Registry) Leases() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string)
	for id, entry := range r.devices {
		if entry.leaseID != "" {
			out[id] = entry.leaseRun
		}
	}
	return out
}

// OfflineLeased returns devices that were marked offline while leased,
// keyed to the run still holding them. Sweeper rule input.
func (r *Registry) OfflineLeased() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string)
	for id, entry := range r.devices {
		if entry.leaseID != "" && entry.device.Status == DeviceOffline {
			out[id] = entry.leaseRun
		}
	}
	return out
}

// Restore re-admits a persisted device after a restart, preserving its
// recorded status. The caller re-establishes leases via RestoreLease.
func (r *Registry) Restore(d Device) error {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return errors.New("device id cannot be empty")
	}
	d.ID = id
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.devices[id]; exists {
		return errors.Wrapf(ErrConflict, "device %s already registered", id)
	}
	r.devices[id] = &deviceEntry{device: d}
	return nil
}

// RestoreLease re-binds a persisted busy device to its run after restart.
func (r *Registry) RestoreLease(deviceID, runID string) (LeaseToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.devices[deviceID]
	if !ok {
		return LeaseToken{}, errors.Errorf("device %s not registered", deviceID)
	}
	if entry.leaseID != "" {
		return LeaseToken{}, errors.Wrapf(ErrConflict, "device %s already leased", deviceID)
	}
	token := LeaseToken{ID: uuid.NewString(), DeviceID: deviceID, RunID: runID}
	entry.leaseID = token.ID
	entry.leaseRun = runID
	if entry.device.Status != DeviceOffline && entry.device.Status != DeviceMaintenance {
		entry.device.Status = DeviceBusy
	}
	return token, nil
}

func (r *Registry) notifyLocked(entry *deviceEntry, from, to DeviceStatus) {
	if r.onTransition != nil {
		r.onTransition(snapshotDevice(entry), from, to)
	}
}

func snapshotDevice(entry *deviceEntry) Device {
	d := entry.device
	d.Tags = append([]string(nil), entry.device.Tags...)
	return d
}
