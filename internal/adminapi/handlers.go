package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/fleet-dispatch/internal/domain"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type overviewSummary struct {
	Timestamp         time.Time      `json:"timestamp"`
	TotalClients      int            `json:"total_clients"`
	GroupLimits       map[string]int `json:"group_limits"`
	ActiveUsers       int            `json:"active_users"`
	SystemLoad        float64        `json:"system_load"`
	Available         int            `json:"available"`
	Busy              int            `json:"busy"`
	ClientsWithErrors int            `json:"clients_with_errors"`
}

type overviewResponse struct {
	Summary overviewSummary `json:"summary"`
	Clients []clientRow     `json:"clients"`
}

type clientRow struct {
	Name       string  `json:"name"`
	Group      string  `json:"group"`
	Priority   int     `json:"priority"`
	Status     string  `json:"status"`
	ErrorCount int     `json:"error_count"`
	Health     float64 `json:"health"`
	InUse      bool    `json:"in_use"`
	Acquired   bool    `json:"acquired"`
}

// handleOverview implements GET /admin/overview (spec §6).
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	stats := s.Manager.GetClientStats(nil)

	rows := make([]clientRow, 0, len(stats))
	available, busy, withErrors := 0, 0, 0
	for _, st := range stats {
		rows = append(rows, clientRow{
			Name: st.Name, Group: st.Group, Priority: st.Priority,
			Status: string(st.Status), ErrorCount: st.ErrorCount,
			Health: st.Health, InUse: st.InUse, Acquired: st.Acquired,
		})
		if st.Status == domain.StatusAvailable {
			available++
		}
		if st.InUse {
			busy++
		}
		if st.ErrorCount > 0 {
			withErrors++
		}
	}

	var systemLoad float64
	if len(rows) > 0 {
		systemLoad = float64(busy) / float64(len(rows)) * 100
	}

	writeJSON(w, http.StatusOK, overviewResponse{
		Summary: overviewSummary{
			Timestamp:         time.Now(),
			TotalClients:      len(rows),
			GroupLimits:       s.Manager.GroupLimits(),
			ActiveUsers:       s.Manager.ActiveUsers(),
			SystemLoad:        systemLoad,
			Available:         available,
			Busy:              busy,
			ClientsWithErrors: withErrors,
		},
		Clients: rows,
	})
}

// handleManualCheck implements POST /admin/clients/{name}/check.
func (s *Server) handleManualCheck(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c := s.Manager.GetClientByName(name)
	if c == nil {
		writeError(w, http.StatusNotFound, "unknown client")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = s.Manager.TriggerManualCheck(ctx, name)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

type setStatusRequest struct {
	Status string `json:"status"`
}

// handleSetStatus implements POST /admin/clients/{name}/status.
func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.Manager.GetClientByName(name) == nil {
		writeError(w, http.StatusNotFound, "unknown client")
		return
	}

	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	var status domain.ClientStatus
	switch req.Status {
	case "available":
		status = domain.StatusAvailable
	case "error":
		status = domain.StatusError
	case "unavailable":
		status = domain.StatusUnavailable
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if err := s.Manager.SetClientStatus(name, status); err != nil {
		writeError(w, http.StatusNotFound, "unknown client")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleRuns implements GET /admin/runs.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	runs, err := s.Log.GetRunList(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleTimeline implements GET /admin/timeline?run_id=&from=&to=&client=.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runID := q.Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	from, err := parseUnix(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, err := parseUnix(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}

	result, err := s.Log.QueryTimeline(r.Context(), runID, from, to, q.Get("client"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseUnix(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(n, 0), nil
}

type issueTokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleIssueToken implements POST /admin/token for username/password
// exchange. When admin auth is not configured it responds 404.
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if !s.Auth.Enabled() {
		writeError(w, http.StatusNotFound, "admin auth not configured")
		return
	}

	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if req.Username != s.Auth.Username || !VerifyPassword(req.Password, s.Auth.PasswordHash, s.Auth.Params) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.Auth.Sessions.Issue(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
