package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/orientation-assistant/internal/audit"
	"github.com/suPer8Hu/orientation-assistant/internal/common"
)

// ListAuditRecords serves staff review of the redacted audit trail.
// GET /audit/records?limit=50&emergency=true&kind=escalate_emergency
func (h *Handler) ListAuditRecords(c *gin.Context) {
	if h.Audit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "audit store not configured")
		return
	}

	f := audit.ListFilter{Kind: c.Query("kind")}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			common.Fail(c, http.StatusBadRequest, 40001, "invalid limit")
			return
		}
		f.Limit = n
	}
	if v := c.Query("emergency"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 40002, "invalid emergency")
			return
		}
		f.Emergency = &b
	}

	recs, err := h.Audit.ListRecent(c.Request.Context(), f)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "list audit records failed")
		return
	}

	data := gin.H{"records": recs}
	if h.Stats != nil {
		data["stats"] = h.Stats.Stats()
	}
	common.OK(c, data)
}
