package realtime

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"coachbot/internal/coaching"
	"coachbot/internal/retention"
	"coachbot/internal/session"

	"github.com/pkg/errors"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.New("").Funcs(template.FuncMap{
	"pct":     func(v float64) string { return fmt.Sprintf("%.1f", v) },
	"fmtTime": func(t time.Time) string { return t.Format("02.01.2006 15:04") },
}).ParseFS(templateFS, "templates/*.html"))

type indexPage struct {
	Phases []coaching.Phase
}

type chatPage struct {
	Session   *session.Session
	PhaseName string
}

type dashboardPage struct {
	Sessions      []*session.Session
	Interventions int
}

type dsgvoPage struct {
	Sessions      []*session.Session
	RetentionDays int
}

type errorPage struct {
	Title   string
	Message string
}

// render executes into a buffer first so a template failure never leaves a
// half-written page.
func (s *Server) render(w http.ResponseWriter, status int, name string, data interface{}) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		s.log.WithError(err).WithField("template", name).Error("render page")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

func (s *Server) renderError(w http.ResponseWriter, status int, title, message string) {
	s.render(w, status, "error.html", errorPage{Title: title, Message: message})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "index.html", indexPage{Phases: s.svc.Script().Phases})
}

// handleNewCoaching opens a fresh session and shows its chat page.
func (s *Server) handleNewCoaching(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.CreateSession(r.Context(), session.SourceWeb)
	if err != nil {
		s.log.WithError(err).Error("create session")
		s.renderError(w, http.StatusBadGateway, "Coaching nicht verfügbar",
			"Der Coaching-Assistent ist im Moment nicht erreichbar. Bitte versuchen Sie es später noch einmal.")
		return
	}
	s.renderChat(w, sess)
}

// handleSessionPage shows a session by id, opening it under that id when the
// link is new.
func (s *Server) handleSessionPage(w http.ResponseWriter, r *http.Request) {
	sess, created, err := s.svc.OpenSession(r.Context(), r.PathValue("id"), session.SourceWeb)
	switch {
	case errors.Is(err, session.ErrInvalidID):
		s.renderError(w, http.StatusNotFound, "Session nicht gefunden",
			"Dieser Session-Link ist ungültig.")
		return
	case err != nil:
		s.log.WithError(err).Error("open session")
		s.renderError(w, http.StatusBadGateway, "Coaching nicht verfügbar",
			"Der Coaching-Assistent ist im Moment nicht erreichbar. Bitte versuchen Sie es später noch einmal.")
		return
	}
	if created {
		s.log.WithField("session", sess.ID).Info("session opened from link")
	}
	s.renderChat(w, sess)
}

func (s *Server) renderChat(w http.ResponseWriter, sess *session.Session) {
	s.render(w, http.StatusOK, "chat.html", chatPage{
		Session:   sess,
		PhaseName: s.svc.Script().PhaseName(sess.Progress.CurrentPhase),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	page := dashboardPage{Sessions: sessions}
	for _, sess := range sessions {
		if sess.Intervention.Needed {
			page.Interventions++
		}
	}
	s.render(w, http.StatusOK, "dashboard.html", page)
}

func (s *Server) handleLiveMonitoring(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "monitor.html", nil)
}

func (s *Server) handleDSGVODashboard(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "dsgvo.html", dsgvoPage{
		Sessions:      s.registry.List(),
		RetentionDays: s.retentionDays(),
	})
}

func (s *Server) retentionDays() int {
	if s.sweeper == nil {
		return retention.DefaultDays
	}
	return s.sweeper.Days()
}
