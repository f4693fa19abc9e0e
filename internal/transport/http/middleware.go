package http

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/richardliu001/payout-ledger/internal/apperr"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	headerTenant    = "X-Tenant-ID"
	headerRole      = "X-Role"
	headerRequestID = "X-Request-ID"
	roleAdmin       = "admin"
)

// LoggingMiddleware logs one line per request.
func LoggingMiddleware(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header(headerRequestID, rid)
		c.Next()
		log.Infow("http request",
			"method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status(),
			"duration", time.Since(start), "request_id", rid, "tenant_id", c.GetHeader(headerTenant))
	}
}

// RateLimitMiddleware is a token bucket per client IP.
func RateLimitMiddleware(rps, burst int) gin.HandlerFunc {
	var mu sync.Mutex
	buckets := make(map[string]*rate.Limiter)
	newLimiter := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(rps), burst) }
	return func(c *gin.Context) {
		ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			ip = c.Request.RemoteAddr
		}
		mu.Lock()
		lim, ok := buckets[ip]
		if !ok {
			lim = newLimiter()
			buckets[ip] = lim
		}
		mu.Unlock()
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{Code: "RATE_LIMITED", Error: "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// TenantScope rejects requests for another tenant's data. The identity layer in
// front of the service sets X-Tenant-ID and X-Role.
func TenantScope(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isAdmin(c) {
			c.Next()
			return
		}
		if caller := c.GetHeader(headerTenant); caller == "" || caller != c.Param("tenant") {
			writeError(c, log, fmt.Errorf("%w: tenant scope violation", apperr.ErrTenantMismatch))
			c.Abort()
			return
		}
		c.Next()
	}
}

// AdminOnly lets through platform operators only.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Code: "FORBIDDEN", Error: "admin role required"})
			return
		}
		c.Next()
	}
}

func isAdmin(c *gin.Context) bool { return c.GetHeader(headerRole) == roleAdmin }
