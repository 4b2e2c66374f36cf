package booking

import (
	"context"
	"time"
)

// Locker guards against double submission of the same booking request.
// Implementations: lock.Memory, lock.Redis.
type Locker interface {
	// TryLock returns ok=false if key is already held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Publisher emits domain events after a transaction commits.
// Implementations: events.AMQP, events.Log.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, payload any) error
}

// Recorder counts engine outcomes.
// Implementation: metrics.Recorder.
type Recorder interface {
	CheckIn(model CreditModel, rejection Rejection)
	Cancel(model CreditModel, outcome CancelOutcome)
	ClassDeleted(affected int)
	CreditsGranted(model CreditModel, amount int)
}

// Event routing keys.
const (
	EventCheckedIn       = "booking.checked_in"
	EventCancelled       = "booking.cancelled"
	EventLateCancelled   = "booking.late_cancelled"
	EventSessionDeleted  = "session.deleted"
	EventCreditsGranted  = "credits.granted"
	EventCreditsExpiring = "credits.expiring"
)

type noopLocker struct{}

func (noopLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}

type noopPublisher struct{}

func (noopPublisher) PublishJSON(context.Context, string, any) error { return nil }

type noopRecorder struct{}

func (noopRecorder) CheckIn(CreditModel, Rejection)    {}
func (noopRecorder) Cancel(CreditModel, CancelOutcome) {}
func (noopRecorder) ClassDeleted(int)                  {}
func (noopRecorder) CreditsGranted(CreditModel, int)   {}
