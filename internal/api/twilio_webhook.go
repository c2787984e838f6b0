package api

import (
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/models"
	"github.com/BTreeMap/BookingPipe/internal/twiliosms"
)

// Inbound webhook outcomes, as reported to the observer.
const (
	InboundProcessed = "processed"
	InboundDuplicate = "duplicate"
	InboundUnmatched = "unmatched"
	InboundRejected  = "rejected"
	InboundInvalid   = "invalid"
	InboundFailed    = "failed"
)

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

// twilioSMSHandler routes a patient's SMS reply to the session waiting for a
// reminder response from that number. Twilio redelivers on timeouts, so each
// MessageSid is processed at most once.
func (s *Server) twilioSMSHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.cfg.Validator != nil {
		if err := r.ParseForm(); err != nil {
			s.inbound(InboundInvalid)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid form body"))
			return
		}
		url := strings.TrimRight(s.cfg.PublicURL, "/") + r.URL.RequestURI()
		if !s.cfg.Validator.ValidateRequest(url, r) {
			slog.Warn("Server.twilioSMSHandler: signature rejected", "url", url)
			s.inbound(InboundRejected)
			writeJSONResponse(w, http.StatusForbidden, models.Error("invalid signature"))
			return
		}
	}

	msg, err := twiliosms.ParseInbound(r)
	if err != nil {
		slog.Warn("Server.twilioSMSHandler: invalid webhook", "error", err)
		s.inbound(InboundInvalid)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	sess, err := s.orch.AwaitingSession(ctx, msg.From)
	if errors.Is(err, models.ErrSessionNotFound) {
		slog.Info("Server.twilioSMSHandler: no session awaiting a reply", "from", msg.From, "sid", msg.MessageSID)
		s.inbound(InboundUnmatched)
		writeTwiML(w, "")
		return
	}
	if err != nil {
		slog.Error("Server.twilioSMSHandler: session lookup failed", "from", msg.From, "error", err)
		s.inbound(InboundFailed)
		writeError(w, err)
		return
	}

	if msg.MessageSID != "" {
		isNew, err := s.st.RecordInbound(ctx, msg.MessageSID, sess.ID)
		if err != nil {
			slog.Error("Server.twilioSMSHandler: dedup record failed", "sid", msg.MessageSID, "error", err)
			s.inbound(InboundFailed)
			writeError(w, err)
			return
		}
		if !isNew {
			slog.Debug("Server.twilioSMSHandler: duplicate delivery", "sid", msg.MessageSID, "sessionID", sess.ID)
			s.inbound(InboundDuplicate)
			writeTwiML(w, "")
			return
		}
	}

	res, err := s.orch.Advance(ctx, sess.ID, flow.Input{Text: msg.Body})
	if err != nil {
		s.inbound(InboundFailed)
		if errors.Is(err, models.ErrSessionTerminal) || errors.Is(err, models.ErrSessionAbandoned) {
			slog.Info("Server.twilioSMSHandler: session no longer takes replies", "sessionID", sess.ID, "sid", msg.MessageSID, "error", err)
			writeTwiML(w, "")
			return
		}
		// Release the claim so Twilio's redelivery of this reply is processed.
		slog.Error("Server.twilioSMSHandler: advance failed", "sessionID", sess.ID, "sid", msg.MessageSID, "error", err)
		if msg.MessageSID != "" {
			if relErr := s.st.ReleaseInbound(ctx, msg.MessageSID); relErr != nil {
				slog.Error("Server.twilioSMSHandler: release inbound failed", "sid", msg.MessageSID, "error", relErr)
			}
		}
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("reply could not be processed, retry later"))
		return
	}
	if msg.MessageSID != "" {
		if err := s.st.MarkProcessed(ctx, msg.MessageSID); err != nil {
			slog.Warn("Server.twilioSMSHandler: mark processed failed", "sid", msg.MessageSID, "error", err)
		}
	}
	slog.Debug("Server.twilioSMSHandler: reply routed", "sessionID", sess.ID, "stage", res.Stage)
	s.inbound(InboundProcessed)
	writeTwiML(w, res.Prompt)
}

func (s *Server) inbound(status string) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveInbound(status)
	}
}

func writeTwiML(w http.ResponseWriter, message string) {
	body, err := xml.Marshal(twimlResponse{Message: message})
	if err != nil {
		slog.Error("Server.writeTwiML: marshal failed", "error", err)
		body = []byte("<Response></Response>")
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(append([]byte(xml.Header), body...)); err != nil {
		slog.Error("Server.writeTwiML: write failed", "error", err)
	}
}
