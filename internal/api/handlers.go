// Package api provides HTTP handlers for SOSPipe endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SOSPipe/internal/models"
)

// contactsRequest is the body of PUT /contacts.
type contactsRequest struct {
	Contacts []string `json:"contacts"`
}

// triggerHandler raises a manual incident (POST /trigger).
func (s *Server) triggerHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.triggerHandler: processing trigger request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.triggerHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	res, err := s.g.TriggerManual(r.Context())
	if err != nil {
		status := statusForError(err)
		slog.Warn("Server.triggerHandler: trigger failed", "error", err, "status", status)
		writeJSONResponse(w, status, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: err.Error(),
			Result:  res,
		})
		return
	}
	if res.Suppressed {
		writeJSONResponse(w, http.StatusAccepted, models.Suppressed("Trigger suppressed during cooldown"))
		return
	}
	slog.Info("Server.triggerHandler: incident dispatched", "incident", res.Incident.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Incident dispatched", res))
}

// contactsHandler reads and saves the emergency contacts (GET/PUT /contacts).
func (s *Server) contactsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.contactsHandler invoked", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		contacts, err := s.g.Contacts()
		if err != nil {
			slog.Error("Server.contactsHandler: failed to load contacts", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load contacts"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(contacts))
	case http.MethodPut:
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req contactsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			slog.Warn("Server.contactsHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		err := s.g.SaveContacts(req.Contacts)
		switch {
		case err == nil:
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Contacts saved; monitoring armed", s.g.Status()))
		case errors.Is(err, models.ErrNoContactsConfigured):
			// Cleared contacts are stored; the guardian is disarmed.
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Contacts cleared; monitoring disarmed", s.g.Status()))
		default:
			status := statusForError(err)
			slog.Warn("Server.contactsHandler: save failed", "error", err, "status", status)
			writeJSONResponse(w, status, models.Error(err.Error()))
		}
	default:
		w.Header().Set("Allow", "GET, PUT")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// profileHandler reads and saves the medical profile (GET/PUT /profile).
func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.profileHandler invoked", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodGet:
		p, err := s.g.Profile()
		if err != nil {
			slog.Error("Server.profileHandler: failed to load profile", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load profile"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(p))
	case http.MethodPut:
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var p models.Profile
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			slog.Warn("Server.profileHandler: failed to decode JSON", "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
			return
		}
		if err := s.g.SaveProfile(p); err != nil {
			slog.Error("Server.profileHandler: save failed", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save profile"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Profile saved", p.WithDefaults()))
	default:
		w.Header().Set("Allow", "GET, PUT")
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// samplesHandler pushes one reading into the sensor (POST /samples).
func (s *Server) samplesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var sample models.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		slog.Warn("Server.samplesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	s.samples.Push(sample)
	writeJSONResponse(w, http.StatusAccepted, models.Recorded())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.g.Status()))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.receiptsHandler: processing receipts request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		slog.Warn("Server.receiptsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	receipts, err := s.receipts.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to fetch receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch receipts"))
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	slog.Debug("Server.receiptsHandler: receipts fetched", "count", len(receipts))
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// healthHandler reports liveness; an unarmed guardian is reported as degraded.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	st := s.g.Status()
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"armed":     st.Armed,
	}
	if !st.Armed {
		healthData["status"] = "degraded"
		healthData["reason"] = "monitoring is not armed"
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}
