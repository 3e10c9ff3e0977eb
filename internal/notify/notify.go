// Package notify delivers post-match notifications to the two parties of a
// trade.
package notify

import (
	"context"
	"errors"

	"github.com/xtrntr/spotex/internal/models"
)

// EventOrderMatched names the event pushed to clients after a match.
const EventOrderMatched = "OrderMatched"

// Notifier delivers one notification to every recipient it knows how to
// reach. An error means delivery should be attempted again.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// Event is the envelope written to websocket and Redis subscribers
type Event struct {
	Event string              `json:"event"`
	Data  models.Notification `json:"data"`
}

// Multi fans a notification out to several notifiers. Every notifier is
// tried; the errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n models.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
