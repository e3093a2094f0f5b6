package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/orientation-assistant/internal/answer"
	"github.com/suPer8Hu/orientation-assistant/internal/audit"
	"github.com/suPer8Hu/orientation-assistant/internal/common"
)

type AnswerService interface {
	Answer(ctx context.Context, req answer.Request) answer.Result
}

type AuditLister interface {
	ListRecent(ctx context.Context, f audit.ListFilter) ([]audit.Record, error)
}

type StatsSource interface {
	Stats() audit.Stats
}

type Handler struct {
	Answers AnswerService
	Audit   AuditLister
	Stats   StatsSource
}

func NewHandler(answers AnswerService, auditRepo AuditLister, stats StatsSource) *Handler {
	return &Handler{Answers: answers, Audit: auditRepo, Stats: stats}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}
