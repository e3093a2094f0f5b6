// Package answer runs a patient question through admission, context
// lookup, the model, validation, emergency override and audit.
package answer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/suPer8Hu/orientation-assistant/internal/admission"
	"github.com/suPer8Hu/orientation-assistant/internal/ai"
	"github.com/suPer8Hu/orientation-assistant/internal/audit"
	"github.com/suPer8Hu/orientation-assistant/internal/common"
	"github.com/suPer8Hu/orientation-assistant/internal/contract"
	"github.com/suPer8Hu/orientation-assistant/internal/encounter"
	"github.com/suPer8Hu/orientation-assistant/internal/logger"
	"github.com/suPer8Hu/orientation-assistant/internal/pii"
	"github.com/suPer8Hu/orientation-assistant/internal/retry"
)

const module = "answer"

var (
	ErrRateLimited         = errors.New("answer: rate limited")
	ErrContextNotFound     = errors.New("answer: no encounter with orientations")
	ErrConsultationExpired = errors.New("answer: consultation older than day limit")
	ErrValidationFailed    = errors.New("answer: model output failed validation")
	ErrUpstreamTimeout     = errors.New("answer: upstream timed out")
	ErrUpstreamFailure     = errors.New("answer: upstream failed")
)

const (
	RateLimitedMessage = "Você enviou muitas perguntas em pouco tempo. Aguarde alguns instantes e tente novamente."
	OutOfScopeMessage  = "Não encontrei orientações da sua última consulta que respondam a essa pergunta. Por favor, entre em contato com a clínica."
	expiredMessage     = "Sua última consulta foi há %d dias e as orientações dela valem por até %d dias. Para sua segurança, agende um novo atendimento ou fale com a clínica."
)

type Detector interface {
	Detect(text string) bool
}

type Recorder interface {
	Record(ev audit.Event)
}

type Request struct {
	PatientID string
	Question  string
	ClientIP  string
	// TraceID is generated when empty.
	TraceID string
}

// Result always carries a well-formed response. Cause classifies why the
// answer is not a plain model answer and is nil otherwise.
type Result struct {
	Response          contract.AiResponse
	RetryAfterSeconds int
	Cause             error
}

func (r Result) RateLimited() bool { return errors.Is(r.Cause, ErrRateLimited) }

type Config struct {
	Salt           []byte
	ModelTimeout   time.Duration
	ContextTimeout time.Duration
	Retry          retry.Options
	// DayLimit is the validity of a consultation's orientations in days.
	// Zero disables the expiry check.
	DayLimit uint
	Now      func() time.Time
}

type Service struct {
	admission  admission.Controller
	encounters encounter.Store
	model      ai.JSONAsker
	detector   Detector
	recorder   Recorder
	log        logger.ILogger
	cfg        Config
}

func NewService(ac admission.Controller, encounters encounter.Store, model ai.JSONAsker, detector Detector, recorder Recorder, log logger.ILogger, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = 15 * time.Second
	}
	if cfg.ContextTimeout <= 0 {
		cfg.ContextTimeout = 3 * time.Second
	}
	return &Service{
		admission:  ac,
		encounters: encounters,
		model:      model,
		detector:   detector,
		recorder:   recorder,
		log:        log,
		cfg:        cfg,
	}
}

func (s *Service) Answer(ctx context.Context, req Request) Result {
	start := s.cfg.Now()
	traceID := req.TraceID
	if traceID == "" {
		if id, err := common.NewULID(); err == nil {
			traceID = id
		}
	}

	d := s.admission.Allow(ctx,
		pseudonymOrEmpty(req.PatientID, s.cfg.Salt),
		pseudonymOrEmpty(req.ClientIP, s.cfg.Salt),
	)
	if !d.Allowed {
		s.log.Warn(module, "rate limited", map[string]interface{}{
			"trace_id":    traceID,
			"retry_after": d.RetryAfterSeconds,
		})
		return Result{
			Response: contract.AiResponse{
				OK:       false,
				Kind:     contract.KindError,
				Message:  RateLimitedMessage,
				Metadata: contract.Metadata{TraceID: traceID},
			},
			RetryAfterSeconds: d.RetryAfterSeconds,
			Cause:             ErrRateLimited,
		}
	}

	emergency := s.detector.Detect(req.Question)

	// from here on the work completes even if the client goes away
	ctx = context.WithoutCancel(ctx)

	resp, snap, cause := s.respond(ctx, req, traceID)
	resp.Metadata.TraceID = traceID
	if emergency || resp.Kind == contract.KindEscalateEmergency {
		resp = contract.Escalate(resp)
	}

	ev := audit.Event{
		TraceID:    traceID,
		PatientID:  req.PatientID,
		Question:   req.Question,
		Answer:     resp.Message,
		Kind:       resp.Kind,
		Escalation: resp.Kind == contract.KindEscalateEmergency,
		Emergency:  emergency,
		At:         start,
	}
	if snap != nil {
		ev.EncounterID = snap.EncounterID
	}
	s.recorder.Record(ev)

	details := map[string]interface{}{
		"trace_id":    traceID,
		"kind":        string(resp.Kind),
		"emergency":   emergency,
		"duration_ms": s.cfg.Now().Sub(start).Milliseconds(),
	}
	if cause != nil {
		details["cause"] = cause.Error()
	}
	s.log.Info(module, "answered", details)

	return Result{Response: resp, Cause: cause}
}

// respond produces the response before the emergency override. snap is nil
// when no context was found.
func (s *Service) respond(ctx context.Context, req Request, traceID string) (contract.AiResponse, *encounter.Snapshot, error) {
	snap, err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) (*encounter.Snapshot, error) {
		return retry.WithTimeout(ctx, s.cfg.ContextTimeout, func(ctx context.Context) (*encounter.Snapshot, error) {
			return s.encounters.GetLastEncounterWithOrientations(ctx, req.PatientID)
		})
	})
	if err != nil {
		cause := classifyUpstream(err)
		s.log.Error(module, "encounter lookup failed", map[string]interface{}{"trace_id": traceID, "error": err})
		return contract.Fallback(), nil, cause
	}
	if snap == nil {
		return contract.AiResponse{OK: true, Kind: contract.KindOutOfScope, Message: OutOfScopeMessage}, nil, ErrContextNotFound
	}

	days := snap.DaysSince(s.cfg.Now())
	if s.cfg.DayLimit > 0 && days > s.cfg.DayLimit {
		return contract.AiResponse{
			OK:       true,
			Kind:     contract.KindConsultationExpired,
			Message:  fmt.Sprintf(expiredMessage, days, s.cfg.DayLimit),
			Metadata: s.metadataFrom(*snap, days),
		}, snap, ErrConsultationExpired
	}

	mreq := ai.ModelRequest{
		Question:         req.Question,
		OrientationsText: snap.OrientationsText(),
		ClinicianName:    snap.ClinicianName,
		ConsultationDate: snap.DateBR(),
		Specialty:        snap.Specialty,
	}
	opts := s.cfg.Retry
	opts.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.log.Warn(module, "model call retry", map[string]interface{}{
			"trace_id": traceID,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err,
		})
	}
	raw, err := retry.Do(ctx, opts, func(ctx context.Context) ([]byte, error) {
		out, err := retry.WithTimeout(ctx, s.cfg.ModelTimeout, func(ctx context.Context) ([]byte, error) {
			return s.model.AskModelJSON(ctx, mreq)
		})
		if errors.Is(err, ai.ErrNoJSON) {
			return nil, retry.Permanent(err)
		}
		return out, err
	})
	if errors.Is(err, ai.ErrNoJSON) {
		s.log.Error(module, "model reply has no JSON", map[string]interface{}{"trace_id": traceID, "error": err})
		return contract.Fallback(), snap, ErrValidationFailed
	}
	if err != nil {
		s.log.Error(module, "model call failed", map[string]interface{}{"trace_id": traceID, "error": err})
		return contract.Fallback(), snap, classifyUpstream(err)
	}

	resp, err := contract.Validate(raw)
	if err != nil {
		s.log.Error(module, "model output failed validation", map[string]interface{}{"trace_id": traceID, "error": err})
		return contract.Fallback(), snap, ErrValidationFailed
	}
	resp.Metadata = s.enrich(resp.Metadata, *snap, days)
	return resp, snap, nil
}

func (s *Service) metadataFrom(snap encounter.Snapshot, days uint) contract.Metadata {
	m := contract.Metadata{
		ClinicianName:         snap.ClinicianName,
		Specialty:             snap.Specialty,
		ConsultationDate:      snap.DateBR(),
		DaysSinceConsultation: contract.Uint(days),
	}
	if s.cfg.DayLimit > 0 {
		m.DayLimit = contract.Uint(s.cfg.DayLimit)
	}
	return m
}

// enrich fills fields the model left empty from the encounter. Values the
// model did set are kept.
func (s *Service) enrich(m contract.Metadata, snap encounter.Snapshot, days uint) contract.Metadata {
	from := s.metadataFrom(snap, days)
	if m.ClinicianName == "" {
		m.ClinicianName = from.ClinicianName
	}
	if m.Specialty == "" {
		m.Specialty = from.Specialty
	}
	if m.ConsultationDate == "" {
		m.ConsultationDate = from.ConsultationDate
	}
	if m.DaysSinceConsultation == nil {
		m.DaysSinceConsultation = from.DaysSinceConsultation
	}
	if m.DayLimit == nil {
		m.DayLimit = from.DayLimit
	}
	return m
}

func classifyUpstream(err error) error {
	if errors.Is(err, retry.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
}

func pseudonymOrEmpty(id string, salt []byte) string {
	if id == "" {
		return ""
	}
	return pii.Pseudonymize(id, salt)
}
