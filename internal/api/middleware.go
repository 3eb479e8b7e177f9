package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/telemetry"
)

// OwnerHeader names the caller. Authentication happens in front of this service.
const OwnerHeader = "X-Owner-ID"

type ownerKey struct{}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			writeErrorBody(w, http.StatusUnauthorized, errorBody{Code: "MISSING_OWNER", Message: OwnerHeader + " header is required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

// rateLimit spends one token of the owner's bucket per request. Limiter errors
// let the request through.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, _, err := s.limiter.Allow(r.Context(), "api:"+ownerFrom(r))
		if err != nil {
			s.log.WithError(err).Warn("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", "1")
			writeErrorBody(w, http.StatusTooManyRequests, errorBody{Code: "RATE_LIMIT_EXCEEDED", Message: "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logger.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"owner":       r.Header.Get(OwnerHeader),
		}).Info("request")
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.log.WithFields(logger.Fields{
					"panic":  err,
					"stack":  string(debug.Stack()),
					"method": r.Method,
					"path":   r.URL.Path,
				}).Error("panic recovered")
				writeErrorBody(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL_ERROR", Message: "An unexpected error occurred"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
