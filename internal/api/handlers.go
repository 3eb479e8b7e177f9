package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"adaccount-provisioner/internal/service"
	"adaccount-provisioner/internal/store"
)

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var in service.AccountInput
	if !decode(w, r, &in) {
		return
	}
	a, err := s.svc.CreateAccount(r.Context(), ownerFrom(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListAccounts(r.Context(), ownerFrom(r), r.URL.Query().Get("with_deleted") == "true")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetAccount(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteAccount(r.Context(), ownerFrom(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRestoreAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.RestoreAccount(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var in service.JobInput
	if !decode(w, r, &in) {
		return
	}
	res, err := s.svc.CreateJob(r.Context(), ownerFrom(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.JobFilter{
		AccountID:   q.Get("account_id"),
		Status:      q.Get("status"),
		WithDeleted: q.Get("with_deleted") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErrorBody(w, http.StatusBadRequest, errorBody{Code: "VALIDATION_FAILED", Message: "limit must be a non-negative integer", Field: "limit"})
			return
		}
		f.Limit = n
	}
	list, err := s.svc.ListJobs(r.Context(), ownerFrom(r), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.svc.GetJob(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":          j,
		"progress":     j.Progress(),
		"running_time": j.FormattedRunningTime(),
	})
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.ListItems(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.svc.PauseJob(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ResumeJob(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.RetryJob(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteJob(r.Context(), ownerFrom(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRestoreJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.svc.RestoreJob(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleCreateProxy(w http.ResponseWriter, r *http.Request) {
	var in service.ProxyInput
	if !decode(w, r, &in) {
		return
	}
	p, err := s.svc.CreateProxy(r.Context(), ownerFrom(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type importRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleImportProxies(w http.ResponseWriter, r *http.Request) {
	var in importRequest
	if !decode(w, r, &in) {
		return
	}
	rep, err := s.svc.ImportProxies(r.Context(), ownerFrom(r), in.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListProxies(r.Context(), ownerFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleValidateProxy(w http.ResponseWriter, r *http.Request) {
	p, ok, err := s.svc.ValidateProxy(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": ok, "proxy": p})
}

func (s *Server) handleValidateAll(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.ValidateAllProxies(r.Context(), ownerFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteProxy(r.Context(), ownerFrom(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetSettings(r.Context(), ownerFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var in service.SettingsInput
	if !decode(w, r, &in) {
		return
	}
	st, err := s.svc.UpdateSettings(r.Context(), ownerFrom(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var in service.BotInput
	if !decode(w, r, &in) {
		return
	}
	b, err := s.svc.CreateBot(r.Context(), ownerFrom(r), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListBots(r.Context(), ownerFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (s *Server) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteBot(r.Context(), ownerFrom(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleTestBot(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.TestBot(r.Context(), ownerFrom(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
