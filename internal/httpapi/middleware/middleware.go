package middleware

import (
	"net/http"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/suPer8Hu/orientation-assistant/internal/common"
	"github.com/suPer8Hu/orientation-assistant/internal/contract"
	"github.com/suPer8Hu/orientation-assistant/internal/logger"
)

const (
	RequestIDKey    = "request_id"
	RequestIDHeader = "X-Request-ID"
	SubjectKey      = "subject"
	RoleKey         = "role"
)

// ContractPaths are answered with an AiResponse body even on panic.
var ContractPaths = map[string]bool{"/answers": true}

// RequestID reuses an inbound X-Request-ID only when it is a ULID, since the
// id is stored as the audit trace id; anything else gets a fresh ULID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if !common.IsULID(id) {
			id, _ = common.NewULID()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// AccessLog logs one line per request. Query strings and bodies are left
// out because they may carry patient data.
func AccessLog(log logger.ILogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		details := map[string]interface{}{
			"method":     c.Request.Method,
			"route":      route,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": GetRequestID(c),
		}
		switch {
		case c.Writer.Status() >= 500:
			log.Error("http", "request", details)
		case c.Writer.Status() >= 400:
			log.Warn("http", "request", details)
		default:
			log.Info("http", "request", details)
		}
	}
}

// Recovery turns a panic into a 500 that still has a body: the canonical
// fallback on contract paths, the error envelope elsewhere.
func Recovery(log logger.ILogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("http", "panic recovered", map[string]interface{}{
					"panic":      rec,
					"route":      c.FullPath(),
					"request_id": GetRequestID(c),
					"stack":      string(debug.Stack()),
				})
				if ContractPaths[c.FullPath()] {
					resp := contract.Fallback()
					resp.Metadata.TraceID = GetRequestID(c)
					c.AbortWithStatusJSON(http.StatusInternalServerError, resp)
					return
				}
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
			}
		}()
		c.Next()
	}
}

// AuthRequired validates an HS256 bearer token. When roles are given the
// token's role claim must be one of them.
func AuthRequired(secret string, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing token")
			return
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(h, "Bearer "), claims,
			func(t *jwt.Token) (interface{}, error) { return []byte(secret), nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		)
		if err != nil || !token.Valid {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			return
		}

		role, _ := claims["role"].(string)
		if len(roles) > 0 && !slices.Contains(roles, role) {
			common.Fail(c, http.StatusForbidden, 40301, "forbidden")
			return
		}
		sub, _ := claims.GetSubject()
		c.Set(SubjectKey, sub)
		c.Set(RoleKey, role)
		c.Next()
	}
}
