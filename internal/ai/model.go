package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNoJSON = errors.New("ai: reply contains no JSON object")

// ModelRequest carries everything the model may use to answer. Nothing
// outside these fields is sent upstream.
type ModelRequest struct {
	Question         string
	OrientationsText string
	ClinicianName    string
	ConsultationDate string
	Specialty        string
}

// JSONAsker returns the model's untrusted JSON candidate for req.
type JSONAsker interface {
	AskModelJSON(ctx context.Context, req ModelRequest) (json.RawMessage, error)
}

const systemPrompt = `Você é um assistente de orientação ao paciente de uma clínica.
Regras:
- Responda SOMENTE com base nas orientações da última consulta listadas abaixo. Apenas reexplique ou esclareça o que o profissional já orientou.
- Nunca faça diagnósticos, nunca prescreva, nunca altere doses nem sugira novos tratamentos.
- Se a pergunta não puder ser respondida com as orientações, use kind "out_of_scope" e sugira contato com a clínica.
- Se o paciente descrever sinais de emergência, use kind "escalate_emergency" e oriente a procurar o pronto-socorro ou ligar 192.
- Escreva em português do Brasil, com linguagem simples e no máximo 4 frases.
Responda apenas com um objeto JSON no formato:
{"ok": true, "kind": "clarification" | "escalate_emergency" | "out_of_scope", "message": "<resposta ao paciente>", "metadata": {}}`

// PromptedModel turns a ModelRequest into a chat for a Provider and pulls
// the JSON object out of the reply.
type PromptedModel struct {
	provider Provider
}

func NewPromptedModel(p Provider) *PromptedModel {
	return &PromptedModel{provider: p}
}

func (m *PromptedModel) AskModelJSON(ctx context.Context, req ModelRequest) (json.RawMessage, error) {
	reply, err := m.provider.Chat(ctx, BuildMessages(req))
	if err != nil {
		return nil, err
	}
	return extractJSON(reply)
}

func BuildMessages(req ModelRequest) []Message {
	var ctxText strings.Builder
	fmt.Fprintf(&ctxText, "Profissional: %s\n", orDash(req.ClinicianName))
	fmt.Fprintf(&ctxText, "Especialidade: %s\n", orDash(req.Specialty))
	fmt.Fprintf(&ctxText, "Data da consulta: %s\n", orDash(req.ConsultationDate))
	fmt.Fprintf(&ctxText, "Orientações:\n%s", orDash(req.OrientationsText))

	return []Message{
		{Role: RoleSystem, Content: systemPrompt + "\n\n" + ctxText.String()},
		{Role: RoleUser, Content: req.Question},
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

// extractJSON tolerates code fences and chatter around a single object.
func extractJSON(reply string) (json.RawMessage, error) {
	s := strings.TrimSpace(reply)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, ErrNoJSON
	}
	raw := []byte(s[start : end+1])
	if !json.Valid(raw) {
		return nil, ErrNoJSON
	}
	return json.RawMessage(raw), nil
}
