package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xolo-io/xolo/internal/progress"
)

// requestIDHeader carries the request id back to the client.
const requestIDHeader = "X-Request-ID"

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		// The tail endpoint holds connections open for minutes; logging every
		// poll would be noise.
		if strings.HasPrefix(path, progress.StreamRoute) {
			return
		}
		s.logger.Info("request",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.metrics == nil {
			c.Next()
			return
		}
		start := time.Now()
		s.metrics.HTTPInFlightInc()
		c.Next()
		s.metrics.HTTPInFlightDec()

		// FullPath keeps the label cardinality bounded: ":slug" instead of
		// every concrete slug.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("handler panicked",
					zap.Any("panic", p),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"status": "error",
					"error":  "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// shutdownGate returns 503 to new requests once shutdown has begun. The
// progress stream stays open so admins can watch in-flight workflows finish,
// and /ping keeps answering so the launch daemon sees the process alive.
func (s *Server) shutdownGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.shuttingDown.Load() {
			c.Next()
			return
		}
		path := c.Request.URL.Path
		if path == "/ping" || strings.HasPrefix(path, progress.StreamRoute) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"status": "error",
			"error":  "server is shutting down",
		})
	}
}
