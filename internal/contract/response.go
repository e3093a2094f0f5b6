// Package contract defines the AiResponse returned to patients and the
// validator that every model output passes through before use.
package contract

import "strings"

type Kind string

const (
	KindClarification       Kind = "clarification"
	KindEscalateEmergency   Kind = "escalate_emergency"
	KindOutOfScope          Kind = "out_of_scope"
	KindConsultationExpired Kind = "consultation_expired"
	KindError               Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case KindClarification, KindEscalateEmergency, KindOutOfScope, KindConsultationExpired, KindError:
		return true
	}
	return false
}

// AlertPrefix opens every escalate_emergency message, so clients never have
// to derive urgency from Kind alone.
const AlertPrefix = "⚠️ ATENÇÃO: o que você descreveu pode ser uma emergência. Procure imediatamente o pronto-socorro mais próximo ou ligue 192 (SAMU)."

// FallbackMessage is the canned answer used whenever processing fails.
const FallbackMessage = "Desculpe, não consegui processar sua pergunta agora. Por favor, entre em contato com a equipe da clínica para receber ajuda."

type Metadata struct {
	ClinicianName         string `json:"clinicianName,omitempty"`
	Specialty             string `json:"specialty,omitempty"`
	ConsultationDate      string `json:"consultationDate,omitempty"`
	DaysSinceConsultation *uint  `json:"daysSinceConsultation,omitempty"`
	DayLimit              *uint  `json:"dayLimit,omitempty"`
	TraceID               string `json:"traceId,omitempty"`
}

type AiResponse struct {
	OK       bool     `json:"ok"`
	Kind     Kind     `json:"kind"`
	Message  string   `json:"message"`
	Metadata Metadata `json:"metadata"`
}

// Fallback is the canonical response substituted for invalid or failed
// model output. It carries no content derived from the failure.
func Fallback() AiResponse {
	return AiResponse{OK: false, Kind: KindError, Message: FallbackMessage}
}

// Escalate forces kind to escalate_emergency and guarantees the message
// starts with AlertPrefix. Already-prefixed messages are left unchanged.
func Escalate(r AiResponse) AiResponse {
	r.Kind = KindEscalateEmergency
	msg := strings.TrimSpace(r.Message)
	switch {
	case strings.HasPrefix(msg, AlertPrefix):
		r.Message = msg
	case msg == "":
		r.Message = AlertPrefix
	default:
		r.Message = AlertPrefix + " " + msg
	}
	return r
}

func Uint(v uint) *uint { return &v }
