package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/orientation-assistant/internal/answer"
	"github.com/suPer8Hu/orientation-assistant/internal/contract"
	"github.com/suPer8Hu/orientation-assistant/internal/httpapi/middleware"
)

const (
	maxQuestionRunes  = 2000
	badRequestMessage = "Não foi possível entender sua pergunta. Envie o texto da pergunta e o identificador do paciente."
)

// PatientID accepts a JSON string or number.
type PatientID string

func (p *PatientID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = PatientID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
		return errors.New("patientId must be a non-negative integer or a string")
	}
	*p = PatientID(n.String())
	return nil
}

type answerReq struct {
	Question  string    `json:"question" binding:"required"`
	PatientID PatientID `json:"patientId" binding:"required"`
}

// rateLimitedBody is the 429 body: the contract fields plus the wait.
type rateLimitedBody struct {
	contract.AiResponse
	RetryAfterSeconds int `json:"retryAfterSeconds"`
}

// PostAnswer always writes an AiResponse body, whatever the outcome.
func (h *Handler) PostAnswer(c *gin.Context) {
	var req answerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c)
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" || req.PatientID == "" || utf8.RuneCountInString(question) > maxQuestionRunes {
		h.badRequest(c)
		return
	}

	res := h.Answers.Answer(c.Request.Context(), answer.Request{
		PatientID: string(req.PatientID),
		Question:  question,
		ClientIP:  c.ClientIP(),
		TraceID:   middleware.GetRequestID(c),
	})

	if res.RateLimited() {
		c.Header("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
		c.JSON(http.StatusTooManyRequests, rateLimitedBody{
			AiResponse:        res.Response,
			RetryAfterSeconds: res.RetryAfterSeconds,
		})
		return
	}
	c.JSON(http.StatusOK, res.Response)
}

func (h *Handler) badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, contract.AiResponse{
		OK:       false,
		Kind:     contract.KindError,
		Message:  badRequestMessage,
		Metadata: contract.Metadata{TraceID: middleware.GetRequestID(c)},
	})
}
