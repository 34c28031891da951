package coordinator

import (
	"strconv"
	"time"

	"github.com/conreg/conreg/pkg/apierr"
	"github.com/conreg/conreg/pkg/log"
	"github.com/conreg/conreg/pkg/metrics"
	"github.com/gin-gonic/gin"
)

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	logger := log.WithComponent("coordinator")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.APIRequestsTotal.WithLabelValues(path, strconv.Itoa(c.Writer.Status())).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, path)
	}
}

// acquireLongPoll reserves one of the client IP's long-poll slots, failing
// TOO_MANY once the server's configured per-IP limit (maxLongPollsPerIP)
// is reached (spec §4.5).
func (s *Server) acquireLongPoll(ip string) bool {
	s.longPollMu.Lock()
	defer s.longPollMu.Unlock()
	if s.longPollByIP[ip] >= s.maxLongPollsPerIP {
		return false
	}
	s.longPollByIP[ip]++
	metrics.LongPollParked.Inc()
	return true
}

func (s *Server) releaseLongPoll(ip string) {
	s.longPollMu.Lock()
	defer s.longPollMu.Unlock()
	if s.longPollByIP[ip] > 0 {
		s.longPollByIP[ip]--
	}
	metrics.LongPollParked.Dec()
}

var errTooManyLongPolls = apierr.New(apierr.TooManyWatches, "too many concurrent long-polls from this client")
