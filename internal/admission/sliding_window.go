package admission

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow is the single-process Controller. One mutex guards both maps;
// it is held only for the purge/check/update sequence, never across I/O.
type SlidingWindow struct {
	limits Limits
	now    func() time.Time

	mu       sync.Mutex
	patients map[string][]time.Time
	ips      map[string][]time.Time
}

func NewSlidingWindow(limits Limits, now func() time.Time) *SlidingWindow {
	if now == nil {
		now = time.Now
	}
	return &SlidingWindow{
		limits:   limits.normalized(),
		now:      now,
		patients: make(map[string][]time.Time),
		ips:      make(map[string][]time.Time),
	}
}

func (w *SlidingWindow) Allow(_ context.Context, patientKey, ipKey string) Decision {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.collect(w.patients, now)
	w.collect(w.ips, now)
	patientList := w.purge(w.patients, patientKey, now)
	ipList := w.purge(w.ips, ipKey, now)

	var wait time.Duration
	blocked := false
	if d, ok := w.blockedFor(patientList, w.limits.PerPatient, now); ok {
		blocked = true
		wait = d
	}
	if d, ok := w.blockedFor(ipList, w.limits.PerIP, now); ok {
		blocked = true
		// the caller stays blocked until both windows clear
		if d > wait {
			wait = d
		}
	}
	if blocked {
		return Decision{Allowed: false, RetryAfterSeconds: retryAfterSeconds(wait)}
	}

	if patientKey != "" {
		w.patients[patientKey] = append(patientList, now)
	}
	if ipKey != "" {
		w.ips[ipKey] = append(ipList, now)
	}
	return Decision{Allowed: true}
}

// purge drops entries that left the window and deletes keys that became
// empty, so idle patients and IPs do not accumulate.
func (w *SlidingWindow) purge(m map[string][]time.Time, key string, now time.Time) []time.Time {
	if key == "" {
		return nil
	}
	list, ok := m[key]
	if !ok {
		return nil
	}
	i := 0
	for i < len(list) && now.Sub(list[i]) >= w.limits.Window {
		i++
	}
	if i == len(list) {
		delete(m, key)
		return nil
	}
	if i > 0 {
		list = append(list[:0], list[i:]...)
		m[key] = list
	}
	return list
}

// collect purges a few arbitrary keys per call (map order is random), so
// keys that are never requested again still get reclaimed over time.
func (w *SlidingWindow) collect(m map[string][]time.Time, now time.Time) {
	n := 0
	for key := range m {
		if n == gcSample {
			return
		}
		w.purge(m, key, now)
		n++
	}
}

const gcSample = 2

// blockedFor reports whether list is at its limit and, if so, how long until
// enough entries expire to admit one more request.
func (w *SlidingWindow) blockedFor(list []time.Time, limit int, now time.Time) (time.Duration, bool) {
	if limit <= 0 || len(list) < limit {
		return 0, false
	}
	relevant := list[len(list)-limit]
	return w.limits.Window - now.Sub(relevant), true
}

// Keys reports how many patient and IP windows are currently tracked.
func (w *SlidingWindow) Keys() (patients, ips int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.patients), len(w.ips)
}
