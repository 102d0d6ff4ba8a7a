// Package notifier contains the core domain types for the outage schedule notification service.
package notifier

import (
	"errors"
	"fmt"
)

// SubscriberID identifies a chat that receives schedule updates.
type SubscriberID int64

// Schedule is the last published schedule image that was broadcast.
type Schedule struct {
	Reference string `json:"reference"` // Absolute image URL
	Timestamp string `json:"timestamp"` // Human readable time of detection
}

// ErrUnreachable marks delivery failures where the recipient will never be reachable again
// (bot blocked, chat deleted, user deactivated).
var ErrUnreachable = errors.New("recipient permanently unreachable")

// DeliveryError describes a failed delivery to a single subscriber.
type DeliveryError struct {
	Err       error
	ID        SubscriberID
	Permanent bool
}

func (e *DeliveryError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("deliver to %d: %v (permanent)", e.ID, e.Err)
	}
	return fmt.Sprintf("deliver to %d: %v", e.ID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is reports ErrUnreachable for permanent failures so callers can use errors.Is.
func (e *DeliveryError) Is(target error) bool {
	return e.Permanent && target == ErrUnreachable
}

// IsUnreachable checks if a delivery error means the subscriber should be dropped.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
