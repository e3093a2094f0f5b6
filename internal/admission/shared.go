package admission

import (
	"context"
	"time"

	"github.com/suPer8Hu/orientation-assistant/internal/logger"
)

// WindowBackend is a shared store able to run the purge/check/update
// sequence for both keys atomically (see redisstore.Store).
type WindowBackend interface {
	AdmitSlidingWindow(ctx context.Context, patientKey, ipKey string, perPatient, perIP int, window time.Duration, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

// Shared is the multi-instance Controller. It keeps the Allow contract of
// SlidingWindow; when the backend is unreachable it admits the request and
// logs, because a decision must always be produced.
type Shared struct {
	backend WindowBackend
	limits  Limits
	now     func() time.Time
	log     logger.ILogger
	timeout time.Duration
}

func NewShared(backend WindowBackend, limits Limits, log logger.ILogger) *Shared {
	return &Shared{
		backend: backend,
		limits:  limits.normalized(),
		now:     time.Now,
		log:     log,
		timeout: 500 * time.Millisecond,
	}
}

func (s *Shared) Allow(ctx context.Context, patientKey, ipKey string) Decision {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	allowed, wait, err := s.backend.AdmitSlidingWindow(cctx, patientKey, ipKey,
		s.limits.PerPatient, s.limits.PerIP, s.limits.Window, s.now())
	if err != nil {
		s.log.Warn("admission", "shared window unavailable, admitting request", map[string]interface{}{
			"error": err,
		})
		return Decision{Allowed: true}
	}
	if allowed {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RetryAfterSeconds: retryAfterSeconds(wait)}
}
