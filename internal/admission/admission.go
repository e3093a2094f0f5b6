// Package admission gates inbound questions with two independent sliding
// windows, one keyed by patient and one keyed by client IP.
package admission

import (
	"context"
	"time"
)

const DefaultWindow = 60 * time.Second

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
}

// Controller decides whether a request may proceed. Implementations never
// return an error: a decision is always produced.
type Controller interface {
	Allow(ctx context.Context, patientKey, ipKey string) Decision
}

// Limits configures both windows. A limit <= 0 disables that window.
type Limits struct {
	PerPatient int
	PerIP      int
	Window     time.Duration
}

func DefaultLimits() Limits {
	return Limits{PerPatient: 12, PerIP: 60, Window: DefaultWindow}
}

func (l Limits) normalized() Limits {
	if l.Window <= 0 {
		l.Window = DefaultWindow
	}
	return l
}

// retryAfterSeconds rounds the remaining wait up to whole seconds and never
// reports less than one second for a blocked request.
func retryAfterSeconds(wait time.Duration) int {
	secs := int((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
