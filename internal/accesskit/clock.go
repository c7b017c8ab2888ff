package accesskit

import "time"

// Clock provides the current time. Token signing and verification take the
// clock from the service so tests can pin expiry behavior.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// NewSystemClock returns a Clock backed by the wall clock in UTC.
func NewSystemClock() Clock {
	return systemClock{}
}
