package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports why a candidate does not satisfy the contract.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("contract: %s: %v", e.Reason, e.Err)
	}
	return "contract: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// candidate mirrors AiResponse with loose optionality so absent and
// mistyped fields can be told apart. Unknown keys are dropped by decoding.
type candidate struct {
	OK       *bool              `json:"ok"`
	Kind     string             `json:"kind" validate:"required,oneof=clarification escalate_emergency out_of_scope consultation_expired error"`
	Message  string             `json:"message" validate:"required"`
	Metadata *candidateMetadata `json:"metadata"`
}

type candidateMetadata struct {
	ClinicianName         *string `json:"clinicianName"`
	Specialty             *string `json:"specialty"`
	ConsultationDate      *string `json:"consultationDate" validate:"omitempty,datetime=02/01/2006"`
	DaysSinceConsultation *uint   `json:"daysSinceConsultation"`
	DayLimit              *uint   `json:"dayLimit"`
	TraceID               *string `json:"traceId"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks an untrusted candidate of unknown shape: raw JSON bytes,
// a JSON string, a decoded map, or an AiResponse value. It never fabricates
// content; on failure the caller decides what to answer.
func Validate(v any) (AiResponse, error) {
	raw, err := toJSON(v)
	if err != nil {
		return AiResponse{}, err
	}

	var c candidate
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&c); err != nil {
		return AiResponse{}, &ValidationError{Reason: "malformed candidate", Err: err}
	}

	c.Kind = strings.TrimSpace(c.Kind)
	c.Message = strings.TrimSpace(c.Message)
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return AiResponse{}, &ValidationError{Reason: fmt.Sprintf("field %s failed %q", verrs[0].Field(), verrs[0].Tag()), Err: err}
		}
		return AiResponse{}, &ValidationError{Reason: "invalid candidate", Err: err}
	}

	out := AiResponse{
		Kind:    Kind(c.Kind),
		Message: c.Message,
	}
	if c.OK != nil {
		out.OK = *c.OK
	} else {
		out.OK = out.Kind != KindError
	}
	if m := c.Metadata; m != nil {
		out.Metadata = Metadata{
			ClinicianName:         deref(m.ClinicianName),
			Specialty:             deref(m.Specialty),
			ConsultationDate:      deref(m.ConsultationDate),
			DaysSinceConsultation: m.DaysSinceConsultation,
			DayLimit:              m.DayLimit,
			TraceID:               deref(m.TraceID),
		}
	}
	return out, nil
}

func toJSON(v any) ([]byte, error) {
	var raw []byte
	switch t := v.(type) {
	case nil:
		return nil, &ValidationError{Reason: "empty candidate"}
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	case string:
		raw = []byte(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, &ValidationError{Reason: "unencodable candidate", Err: err}
		}
		raw = b
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, &ValidationError{Reason: "candidate is not a JSON object"}
	}
	return raw, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
