package audit

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/suPer8Hu/orientation-assistant/internal/logger"
	"go.uber.org/zap/zapcore"
)

const module = "audit"

type Options struct {
	Salt       []byte
	MaxLen     int
	SampleRate float64
	Workers    int
	QueueSize  int
	// WriteTimeout bounds a single sink write.
	WriteTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{MaxLen: 2000, SampleRate: 1, Workers: 2, QueueSize: 256, WriteTimeout: 5 * time.Second}
}

type Stats struct {
	Recorded   uint64 `json:"recorded"`
	SampledOut uint64 `json:"sampledOut"`
	Dropped    uint64 `json:"dropped"`
	Failed     uint64 `json:"failed"`
}

// Recorder emits audit events to the logger and persists them through a
// Sink on background workers. Record never blocks and never fails; sink
// errors travel on a dedicated channel and are logged at error level.
type Recorder struct {
	sink Sink
	log  logger.ILogger
	opts Options

	queue chan Record
	errs  chan error

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup
	drained chan struct{}

	seen       atomic.Uint64
	recorded   atomic.Uint64
	sampledOut atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
}

func NewRecorder(sink Sink, log logger.ILogger, opts Options) *Recorder {
	d := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = d.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = d.QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = d.WriteTimeout
	}
	opts.SampleRate = math.Max(0, math.Min(1, opts.SampleRate))

	r := &Recorder{
		sink:    sink,
		log:     log,
		opts:    opts,
		queue:   make(chan Record, opts.QueueSize),
		errs:    make(chan error, opts.Workers),
		drained: make(chan struct{}),
	}
	r.workers.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go r.work()
	}
	go r.drainErrors()
	return r
}

// Record redacts ev and schedules it. Info and debug events honour the
// sample rate and are dropped when the queue is full; warn and error events
// are always kept.
func (r *Recorder) Record(ev Event) {
	level := LevelOf(ev)
	if level < zapcore.WarnLevel && !r.sample() {
		r.sampledOut.Add(1)
		return
	}
	rec := Build(ev, r.opts.Salt, r.opts.MaxLen)

	r.log.Log(level, module, "answer recorded", map[string]interface{}{
		"trace_id":     rec.TraceID,
		"patient":      rec.PseudonymPatientID,
		"encounter_id": rec.EncounterID,
		"kind":         rec.Kind,
		"escalation":   rec.Escalation,
		"emergency":    rec.Emergency,
		"question":     rec.QuestionRedacted,
		"answer":       rec.AnswerRedacted,
	})

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		r.log.Error(module, "record after close", map[string]interface{}{"trace_id": rec.TraceID})
		return
	}

	select {
	case r.queue <- rec:
		return
	default:
	}

	if level < zapcore.WarnLevel {
		r.dropped.Add(1)
		r.log.Warn(module, "queue full, record dropped", map[string]interface{}{"trace_id": rec.TraceID})
		return
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		r.queue <- rec
	}()
}

// sample keeps a deterministic share of calls: the n-th call passes when
// floor(n*rate) advances.
func (r *Recorder) sample() bool {
	rate := r.opts.SampleRate
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	n := float64(r.seen.Add(1))
	return math.Floor(n*rate) != math.Floor((n-1)*rate)
}

func (r *Recorder) work() {
	defer r.workers.Done()
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		err := r.sink.Write(ctx, rec)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.errs <- &WriteError{TraceID: rec.TraceID, Err: err}
			continue
		}
		r.recorded.Add(1)
	}
}

func (r *Recorder) drainErrors() {
	defer close(r.drained)
	for err := range r.errs {
		details := map[string]interface{}{"error": err}
		var we *WriteError
		if errors.As(err, &we) {
			details["trace_id"] = we.TraceID
		}
		r.log.Error(module, "audit write failed", details)
	}
}

// Close stops accepting records and waits until everything queued has
// been written or failed.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.pending.Wait()
	close(r.queue)
	r.workers.Wait()
	close(r.errs)
	<-r.drained
}

func (r *Recorder) Stats() Stats {
	return Stats{
		Recorded:   r.recorded.Load(),
		SampledOut: r.sampledOut.Load(),
		Dropped:    r.dropped.Load(),
		Failed:     r.failed.Load(),
	}
}
