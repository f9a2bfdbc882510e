package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coachbot/internal/coach"
	"coachbot/internal/session"

	"github.com/pkg/errors"
)

const maxBodyBytes = 1 << 20

// formFiller is implemented by request types that can also be posted as
// an HTML form.
type formFiller interface {
	fill(url.Values)
}

type chatRequest struct {
	SessionID    string `json:"sessionId"`
	SessionIDAlt string `json:"session_id"`
	Message      string `json:"message"`
}

func (c *chatRequest) fill(v url.Values) {
	c.SessionID = v.Get("sessionId")
	c.SessionIDAlt = v.Get("session_id")
	c.Message = v.Get("message")
}

func (c *chatRequest) id() string {
	if c.SessionID != "" {
		return c.SessionID
	}
	return c.SessionIDAlt
}

type takeoverRequest struct {
	Reason string `json:"reason"`
}

func (t *takeoverRequest) fill(v url.Values) { t.Reason = v.Get("reason") }

type noteRequest struct {
	Note string `json:"note"`
}

func (n *noteRequest) fill(v url.Values) { n.Note = v.Get("note") }

type retentionRequest struct {
	Days int `json:"days"`
}

func (d *retentionRequest) fill(v url.Values) {
	d.Days, _ = strconv.Atoi(v.Get("days"))
}

type consentRequest struct {
	SessionID string `json:"session_id"`
	Consent   bool   `json:"consent"`
}

func (c *consentRequest) fill(v url.Values) {
	c.SessionID = v.Get("session_id")
	c.Consent, _ = strconv.ParseBool(v.Get("consent"))
}

// bind decodes a JSON body or, for any other content type, form values.
// An empty body leaves dst untouched.
func bind(w http.ResponseWriter, r *http.Request, dst formFiller) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		err := json.NewDecoder(r.Body).Decode(dst)
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "invalid request body")
		}
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return errors.Wrap(err, "invalid form")
	}
	dst.fill(r.Form)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coach.ErrEmptyMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.registry.Len(),
		"monitors": s.ClientCount(),
	})
}

// handleChat serves /api/chat, /api/intelligent-chat and /chat/{id}.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if id == "" {
		id = req.id()
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	turn, err := s.svc.Chat(r.Context(), id, req.Message)
	if err != nil {
		s.writeTurnError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

// writeTurnError answers a failed chat turn. Internal failures are logged and
// the client only sees the apology text.
func (s *Server) writeTurnError(w http.ResponseWriter, id string, err error) {
	switch status := statusFor(err); status {
	case http.StatusNotFound:
		writeError(w, status, "session not found")
	case http.StatusBadRequest:
		writeError(w, status, "message is required")
	default:
		s.log.WithError(err).WithField("session", id).Error("chat turn failed")
		writeJSON(w, status, map[string]interface{}{
			"session_id": id,
			"response":   coach.ApologyText,
			"fallback":   true,
			"error":      "internal error",
		})
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	summaries := make([]session.Summary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sess.Summarize())
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTakeover(w http.ResponseWriter, r *http.Request) {
	var req takeoverRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	sess, err := s.svc.Takeover(id, req.Reason)
	if err != nil {
		writeError(w, statusFor(err), errorText(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"message":    "Coach hat die Session übernommen",
		"session_id": sess.ID,
		"mode":       sess.Mode,
		"reason":     sess.Takeover.Reason,
	})
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Note) == "" {
		writeError(w, http.StatusBadRequest, "note is required")
		return
	}
	sess, err := s.registry.AddNote(r.PathValue("id"), strings.TrimSpace(req.Note))
	if err != nil {
		writeError(w, statusFor(err), errorText(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"session_id": sess.ID,
		"notes":      len(sess.Notes),
	})
}

func (s *Server) handleDeleteOldSessions(w http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Days < 0 {
		writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}
	days := req.Days
	if days == 0 {
		days = s.retentionDays()
	}

	var deleted []string
	if s.sweeper != nil {
		deleted = s.sweeper.Sweep(days)
	} else {
		deleted = s.registry.DeleteOlderThan(time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour))
	}
	if deleted == nil {
		deleted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "success",
		"days":             days,
		"deleted_count":    len(deleted),
		"deleted_sessions": deleted,
		"message":          fmt.Sprintf("%d Sessions gelöscht, die älter als %d Tage waren", len(deleted), days),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.registry.Export(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="coaching-export-%s.json"`, session.ShortID(id)))
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := bind(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	sess, err := s.registry.RecordConsent(req.SessionID, req.Consent, clientIP(r))
	if err != nil {
		writeError(w, statusFor(err), errorText(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"session_id": sess.ID,
		"consent":    sess.Consent,
	})
}

func errorText(err error) string {
	if errors.Is(err, session.ErrNotFound) {
		return "session not found"
	}
	return err.Error()
}

// clientIP prefers the first X-Forwarded-For hop over the socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
