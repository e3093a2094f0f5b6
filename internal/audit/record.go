// Package audit keeps a redacted, pseudonymous trail of every answer
// given to a patient.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/suPer8Hu/orientation-assistant/internal/contract"
	"github.com/suPer8Hu/orientation-assistant/internal/pii"
	"go.uber.org/zap/zapcore"
)

var ErrWriteFailed = errors.New("audit: write failed")

// Event is what the answer flow hands to the recorder. PatientID, Question
// and Answer are raw; they never leave Build unredacted.
type Event struct {
	TraceID     string
	PatientID   string
	EncounterID string
	Question    string
	Answer      string
	Kind        contract.Kind
	Escalation  bool
	Emergency   bool
	At          time.Time
}

type Record struct {
	ID                 string    `gorm:"type:char(36);primaryKey" json:"id"`
	TraceID            string    `gorm:"type:varchar(26);index" json:"traceId"`
	PseudonymPatientID string    `gorm:"type:varchar(16);index;not null" json:"pseudonymPatientId"`
	EncounterID        string    `gorm:"type:varchar(64)" json:"encounterId,omitempty"`
	QuestionRedacted   string    `gorm:"type:text;not null" json:"questionRedacted"`
	QuestionDigest     string    `gorm:"type:char(64);not null" json:"questionDigest"`
	AnswerRedacted     string    `gorm:"type:text;not null" json:"answerRedacted"`
	AnswerDigest       string    `gorm:"type:char(64);not null" json:"answerDigest"`
	Kind               string    `gorm:"type:varchar(32);index;not null" json:"kind"`
	Escalation         bool      `gorm:"not null" json:"escalation"`
	Emergency          bool      `gorm:"index;not null" json:"emergency"`
	Level              string    `gorm:"type:varchar(8);not null" json:"level"`
	Timestamp          time.Time `gorm:"index;not null" json:"timestamp"`
}

func (Record) TableName() string { return "audit_records" }

// Sink persists records. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// WriteError wraps a sink failure with the trace it belongs to.
type WriteError struct {
	TraceID string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit: write trace=%s: %v", e.TraceID, e.Err)
}

func (e *WriteError) Unwrap() []error { return []error{ErrWriteFailed, e.Err} }

// LevelOf picks the severity of an event. Safety relevant events are error
// level so sampling can never drop them.
func LevelOf(ev Event) zapcore.Level {
	switch {
	case ev.Emergency, ev.Escalation, ev.Kind == contract.KindEscalateEmergency:
		return zapcore.ErrorLevel
	case ev.Kind == contract.KindError:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Build redacts, truncates and pseudonymizes ev. Digests cover the full
// raw text so duplicates can be found after truncation.
func Build(ev Event, salt []byte, maxLen int) Record {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return Record{
		ID:                 uuid.NewString(),
		TraceID:            ev.TraceID,
		PseudonymPatientID: pii.Pseudonymize(ev.PatientID, salt),
		EncounterID:        ev.EncounterID,
		QuestionRedacted:   pii.Truncate(pii.Redact(ev.Question), maxLen),
		QuestionDigest:     pii.Digest(ev.Question, salt),
		AnswerRedacted:     pii.Truncate(pii.Redact(ev.Answer), maxLen),
		AnswerDigest:       pii.Digest(ev.Answer, salt),
		Kind:               string(ev.Kind),
		Escalation:         ev.Escalation,
		Emergency:          ev.Emergency,
		Level:              LevelOf(ev).String(),
		Timestamp:          at.UTC(),
	}
}
