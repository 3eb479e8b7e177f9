package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"adaccount-provisioner/internal/logger"
	"adaccount-provisioner/internal/models"
	"adaccount-provisioner/internal/notify"
	"adaccount-provisioner/internal/service"
	"adaccount-provisioner/internal/store"
	"adaccount-provisioner/internal/telemetry"
)

// Limiter is the per-owner request budget. *ratelimit.TokenBucket satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Server wires HTTP handlers for the operator API.
type Server struct {
	svc     *service.Service
	limiter Limiter
	log     *logger.Logger
}

// New constructs the API server. limiter may be nil.
func New(svc *service.Service, limiter Limiter, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{svc: svc, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recovery)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireOwner)
		r.Use(s.rateLimit)

		r.Get("/catalog", s.handleCatalog)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", s.handleCreateAccount)
			r.Get("/", s.handleListAccounts)
			r.Get("/{id}", s.handleGetAccount)
			r.Delete("/{id}", s.handleDeleteAccount)
			r.Post("/{id}/restore", s.handleRestoreAccount)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Get("/{id}/items", s.handleListItems)
			r.Post("/{id}/pause", s.handlePauseJob)
			r.Post("/{id}/resume", s.handleResumeJob)
			r.Post("/{id}/retry", s.handleRetryJob)
			r.Delete("/{id}", s.handleDeleteJob)
			r.Post("/{id}/restore", s.handleRestoreJob)
		})

		r.Route("/proxies", func(r chi.Router) {
			r.Post("/", s.handleCreateProxy)
			r.Get("/", s.handleListProxies)
			r.Post("/import", s.handleImportProxies)
			r.Post("/validate", s.handleValidateAll)
			r.Post("/{id}/validate", s.handleValidateProxy)
			r.Delete("/{id}", s.handleDeleteProxy)
		})

		r.Get("/settings", s.handleGetSettings)
		r.Patch("/settings", s.handleUpdateSettings)

		r.Route("/bots", func(r chi.Router) {
			r.Post("/", s.handleCreateBot)
			r.Get("/", s.handleListBots)
			r.Delete("/{id}", s.handleDeleteBot)
			r.Post("/{id}/test", s.handleTestBot)
		})
	})
	return r
}

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"currencies": models.Currencies,
		"timezones":  models.Timezones,
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorBody(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, map[string]errorBody{"error": body})
}

// writeError maps service and store errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *service.ValidationError
		serr *notify.SendError
	)
	switch {
	case errors.As(err, &verr):
		writeErrorBody(w, http.StatusBadRequest, errorBody{Code: "VALIDATION_FAILED", Message: verr.Message, Field: verr.Field})
	case errors.Is(err, store.ErrNotFound):
		writeErrorBody(w, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: err.Error()})
	case errors.Is(err, store.ErrInvalidTransition):
		writeErrorBody(w, http.StatusConflict, errorBody{Code: "INVALID_TRANSITION", Message: err.Error()})
	case errors.Is(err, store.ErrDuplicate):
		writeErrorBody(w, http.StatusConflict, errorBody{Code: "DUPLICATE", Message: err.Error()})
	case errors.Is(err, store.ErrLaneBusy):
		writeErrorBody(w, http.StatusConflict, errorBody{Code: "LANE_BUSY", Message: err.Error()})
	case errors.As(err, &serr):
		writeErrorBody(w, http.StatusBadGateway, errorBody{Code: "DELIVERY_FAILED", Message: serr.Message})
	default:
		s.log.WithError(err).WithFields(logger.Fields{"method": r.Method, "path": r.URL.Path}).Error("request failed")
		writeErrorBody(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL_ERROR", Message: "An unexpected error occurred"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorBody(w, http.StatusBadRequest, errorBody{Code: "INVALID_JSON", Message: "invalid json"})
		return false
	}
	return true
}
