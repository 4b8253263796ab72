package notify

import (
	"context"

	"github.com/pkg/errors"

	"github.com/appexplore/explorerd"
)

// Multi fans one alert out to several notifiers. Every notifier gets a
// chance to deliver; the first error is returned.
type Multi struct {
	notifiers []explorerd.Notifier
}

// NewMulti builds a fan-out notifier, skipping nil entries.
func NewMulti(notifiers ...explorerd.Notifier) *Multi {
	out := make([]explorerd.Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return &Multi{notifiers: out}
}

// Deliver forwards the alert to every notifier.
func (m *Multi) Deliver(ctx context.Context, alert explorerd.Alert) error {
	var first error
	for _, n := range m.notifiers {
		if err := n.Deliver(ctx, alert); err != nil && first == nil {
			first = errors.Wrap(err, "notifier delivery failed")
		}
	}
	return first
}
