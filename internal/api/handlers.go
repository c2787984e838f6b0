package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/models"
)

// MessageRequest is the body of POST /sessions/{id}/messages.
type MessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success("healthy"))
}

func (s *Server) startSessionHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.Start(r.Context())
	if err != nil {
		slog.Error("Server.startSessionHandler: start failed", "error", err)
		writeError(w, err)
		return
	}
	slog.Debug("Server.startSessionHandler: session started", "sessionID", res.SessionID)
	writeJSONResponse(w, http.StatusCreated, models.Success(res))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.orch.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) advanceSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.advanceSessionHandler: invalid JSON", "sessionID", id, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("text is required"))
		return
	}
	res, err := s.orch.Advance(r.Context(), id, flow.Input{Text: req.Text})
	if err != nil {
		slog.Warn("Server.advanceSessionHandler: advance failed", "sessionID", id, "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Accepted(res.Prompt, res))
}

func (s *Server) abandonSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Abandon(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.abandonSessionHandler: session abandoned", "sessionID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("session abandoned", nil))
}

func (s *Server) remindersHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.orch.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.st.ListReminderRecords(r.Context(), id)
	if err != nil {
		slog.Error("Server.remindersHandler: list failed", "sessionID", id, "error", err)
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []models.ReminderRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(recs))
}

func (s *Server) communicationsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.orch.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.st.ListCommunicationLog(r.Context(), id)
	if err != nil {
		slog.Error("Server.communicationsHandler: list failed", "sessionID", id, "error", err)
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.CommunicationLogEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// slotsHandler lists bookable slots. classification defaults to returning.
func (s *Server) slotsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Slots == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("slot listing not configured"))
		return
	}
	q := r.URL.Query()
	class := models.Classification(q.Get("classification"))
	if class == "" {
		class = models.ClassificationReturning
	}
	if !class.IsValid() {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("classification must be new or returning"))
		return
	}
	found, err := s.cfg.Slots.FindSlots(r.Context(), q.Get("provider"), q.Get("location"), class)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(found))
}

func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Exporter == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("export not configured"))
		return
	}
	// Buffer so a failure part way through still yields a JSON error.
	var buf bytes.Buffer
	n, err := s.cfg.Exporter.WriteCSV(r.Context(), &buf)
	if err != nil {
		slog.Error("Server.exportHandler: export failed", "error", err)
		writeError(w, err)
		return
	}
	slog.Debug("Server.exportHandler: export served", "rows", n)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="appointments.csv"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("Server.exportHandler: write failed", "error", err)
	}
}
