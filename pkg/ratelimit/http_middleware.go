package ratelimit

import (
	"net/http"
	"strconv"

	"callcoach-server/pkg/correlation"
	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// Middleware rejects requests over the per-IP rate with 429. route labels
// the rejection metric.
func (l *Limiter) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := correlation.ClientIP(r)
		if l.Allow(clientIP) {
			next.ServeHTTP(w, r)
			return
		}

		metrics.RecordRateLimitRejection(route)
		l.logger.WithFields(logrus.Fields{
			"client_ip":      clientIP,
			"route":          route,
			"correlation_id": correlation.FromContext(r.Context()).String(),
		}).Warn("Rate limit exceeded")

		w.Header().Set("Retry-After", strconv.Itoa(l.retryAfterSeconds()))
		errors.WriteError(w, errors.Wrap(errors.ErrRateLimited, "too many requests").
			WithField("client_ip", clientIP).
			WithCode("RATE_LIMITED"))
	})
}

func (l *Limiter) retryAfterSeconds() int {
	if l.limit <= 0 {
		return 60
	}
	secs := int(1 / float64(l.limit))
	if secs < 1 {
		secs = 1
	}
	return secs
}
