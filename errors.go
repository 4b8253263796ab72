package explorerd

import "github.com/pkg/errors"

// Error taxonomy for the orchestration core. Callers are expected to match
// with errors.Is so wrapped context survives.
var (
	// ErrNotAvailable means a device cannot be leased right now. The
	// scheduler retries other candidates; it is never a hard failure
	// unless no device at all can be found.
	ErrNotAvailable = errors.New("device not available")

	// ErrConflict marks duplicate registration or a double-lease attempt.
	// It indicates a programming or race bug and is logged as internal.
	ErrConflict = errors.New("conflicting state")

	// ErrDriverTimeout means a session start or teardown did not confirm
	// in time. It is converted to a run failure or forced cancel, never
	// propagated raw.
	ErrDriverTimeout = errors.New("driver did not confirm in time")

	// ErrReconcileConflict means a sweeper precondition stopped holding
	// between read and write. The correction is skipped for one cycle.
	ErrReconcileConflict = errors.New("reconciliation precondition changed")
)

func IsNotAvailable(err error) bool      { return errors.Is(err, ErrNotAvailable) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsDriverTimeout(err error) bool     { return errors.Is(err, ErrDriverTimeout) }
func IsReconcileConflict(err error) bool { return errors.Is(err, ErrReconcileConflict) }
