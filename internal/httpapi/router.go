package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/orientation-assistant/internal/common"
	"github.com/suPer8Hu/orientation-assistant/internal/httpapi/handlers"
	"github.com/suPer8Hu/orientation-assistant/internal/httpapi/middleware"
	"github.com/suPer8Hu/orientation-assistant/internal/logger"
)

const StaffRole = "staff"

// NewRouter builds the gin engine. X-Forwarded-For is honoured only from
// trustedProxies; with none, the client IP is the socket peer.
func NewRouter(h *handlers.Handler, log logger.ILogger, jwtSecret string, trustedProxies []string) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		log.Error("http", "invalid trusted proxies, trusting none", map[string]interface{}{"error": err})
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	r.POST("/answers", h.PostAnswer)

	// staff review (JWT with role=staff)
	staff := r.Group("/audit")
	staff.Use(middleware.AuthRequired(jwtSecret, StaffRole))
	staff.GET("/records", h.ListAuditRecords)

	return r
}
