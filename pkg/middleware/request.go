package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// RequestIDHeader carries the request id in and out
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength bounds ids accepted from upstream proxies
const maxRequestIDLength = 128

// RequestID assigns every request an id (reusing a sane upstream one) and
// stores the id, client address, user agent and a request logger in the
// context.
func RequestID(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" || len(requestID) > maxRequestIDLength {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			clientIP := httputil.ClientIP(r)
			ctx := contextkeys.WithRequestID(r.Context(), requestID)
			ctx = contextkeys.WithClient(ctx, clientIP, r.UserAgent())
			ctx = observability.WithLogger(ctx, logger.WithFields(logrus.Fields{
				"method":    r.Method,
				"path":      r.URL.Path,
				"client_ip": clientIP,
			}))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
