// Package coach runs coaching turns: it ties the session registry, the
// assistant oracle, the crisis safety net and coach notifications together.
package coach

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"coachbot/internal/coaching"
	"coachbot/internal/oracle"
	"coachbot/internal/session"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// ApologyText replaces the assistant reply when the oracle fails.
	ApologyText = "Entschuldigung, ich konnte keine Antwort generieren. Bitte versuchen Sie es in einem Moment noch einmal."
	// CoachModeNotice answers users whose session is handled by a human coach.
	CoachModeNotice = "Ihre Nachricht wurde an Ihren persönlichen Coach weitergeleitet. Sie erhalten in Kürze eine persönliche Antwort."

	defaultOracleTimeout = 60 * time.Second
	defaultNotifyTimeout = 30 * time.Second
)

// ErrEmptyMessage is returned for blank user messages.
var ErrEmptyMessage = errors.New("message is empty")

// Alert asks a human coach to look at a session.
type Alert struct {
	SessionID   string
	Reason      string
	Trigger     string
	LastMessage string
	Link        string
	At          time.Time
}

// Notifier delivers coach alerts out of band.
type Notifier interface {
	NotifyCoach(ctx context.Context, alert Alert) error
}

// Config tunes the service.
type Config struct {
	OracleTimeout time.Duration
	NotifyTimeout time.Duration
	// BaseURL prefixes session links sent by email, e.g. https://coach.example.ch.
	BaseURL string
}

// Turn is the outcome of one chat message.
type Turn struct {
	SessionID             string          `json:"session_id"`
	Response              string          `json:"response"`
	Progress              coaching.Report `json:"progress"`
	Mode                  session.Mode    `json:"mode"`
	InterventionTriggered bool            `json:"intervention_triggered"`
	CoachNotified         bool            `json:"coach_notified"`
	Fallback              bool            `json:"fallback,omitempty"`
}

// Service handles chat turns for web and email sessions.
type Service struct {
	registry *session.Registry
	oracle   oracle.Oracle
	notifier Notifier
	script   atomic.Pointer[coaching.Script]
	cfg      Config

	pending sync.WaitGroup
}

// NewService creates a service. notifier may be nil, in which case alerts
// are only logged.
func NewService(registry *session.Registry, o oracle.Oracle, notifier Notifier, script *coaching.Script, cfg Config) *Service {
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = defaultOracleTimeout
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if script == nil {
		script = coaching.DefaultScript()
	}
	s := &Service{
		registry: registry,
		oracle:   o,
		notifier: notifier,
		cfg:      cfg,
	}
	s.script.Store(script)
	return s
}

// Registry exposes the underlying session table.
func (s *Service) Registry() *session.Registry { return s.registry }

// Script returns the script currently in effect.
func (s *Service) Script() *coaching.Script { return s.script.Load() }

// SetScript swaps the coaching script. Turns already in flight finish with
// the script they started with.
func (s *Service) SetScript(script *coaching.Script) {
	if script != nil {
		s.script.Store(script)
	}
}

// SessionLink returns the public URL of a session page.
func (s *Service) SessionLink(id string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/coaching-session/" + id
}

// CreateSession opens an oracle thread and registers a new session for it.
func (s *Service) CreateSession(ctx context.Context, source session.Source) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
	defer cancel()

	ref, err := s.oracle.NewThread(ctx)
	if err != nil {
		return nil, asOracleError(ctx, err)
	}
	return s.registry.Create(ref, source)
}

// OpenSession returns the session with the given id, creating it with a
// fresh oracle thread when the id is unknown. created reports whether a new
// session was registered.
func (s *Service) OpenSession(ctx context.Context, id string, source session.Source) (sess *session.Session, created bool, err error) {
	sess, err = s.registry.Get(id)
	if err == nil || !errors.Is(err, session.ErrNotFound) {
		return sess, false, err
	}
	if !session.ValidID(id) {
		return nil, false, errors.Wrapf(session.ErrInvalidID, "id %q", id)
	}

	tctx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
	defer cancel()
	ref, err := s.oracle.NewThread(tctx)
	if err != nil {
		return nil, false, asOracleError(tctx, err)
	}

	sess, err = s.registry.CreateWithID(id, ref, source)
	if errors.Is(err, session.ErrExists) {
		// Lost a race with another request for the same link.
		sess, err = s.registry.Get(id)
		return sess, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// Chat runs one user turn against a session.
func (s *Service) Chat(ctx context.Context, id, message string) (*Turn, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	sess, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	script := s.Script()
	log := logrus.WithField("session", id)

	if term, ok := script.DetectCrisis(message); ok {
		report, err := s.registry.FlagIntervention(id, script, message, term, script.SafetyMessage)
		if err != nil {
			return nil, err
		}
		notified := s.notify(Alert{
			SessionID:   id,
			Reason:      "Krisen-Trigger erkannt",
			Trigger:     term,
			LastMessage: message,
		})
		return &Turn{
			SessionID:             id,
			Response:              script.SafetyMessage,
			Progress:              report,
			Mode:                  sess.Mode,
			InterventionTriggered: true,
			CoachNotified:         notified,
		}, nil
	}

	if sess.Mode == session.ModeCoach {
		report, err := s.registry.RecordUnscoredTurn(id, script, message, session.Message{})
		if err != nil {
			return nil, err
		}
		return &Turn{SessionID: id, Response: CoachModeNotice, Progress: report, Mode: sess.Mode}, nil
	}

	reply, err := s.ask(ctx, sess, script, message)
	if err != nil {
		log.WithError(err).Warn("oracle failed, answering with fallback")
		report, recErr := s.registry.RecordUnscoredTurn(id, script, message, session.Message{
			Role: session.RoleAssistant,
			Text: ApologyText,
		})
		if recErr != nil {
			return nil, recErr
		}
		return &Turn{SessionID: id, Response: ApologyText, Progress: report, Mode: sess.Mode, Fallback: true}, nil
	}

	report, err := s.registry.ApplyTurn(id, script, message, reply)
	if err != nil {
		return nil, err
	}
	return &Turn{SessionID: id, Response: reply, Progress: report, Mode: sess.Mode}, nil
}

// Takeover hands a session to the human coach and alerts them.
func (s *Service) Takeover(id, reason string) (*session.Session, error) {
	sess, err := s.registry.Takeover(id, reason)
	if err != nil {
		return nil, err
	}
	last := ""
	if n := len(sess.Messages); n > 0 {
		last = sess.Messages[n-1].Text
	}
	s.notify(Alert{SessionID: id, Reason: sess.Takeover.Reason, LastMessage: last})
	return sess, nil
}

// Wait blocks until outstanding coach notifications have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// ask performs the oracle round-trip. No registry lock is held here.
func (s *Service) ask(ctx context.Context, sess *session.Session, script *coaching.Script, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
	defer cancel()

	reply, err := s.oracle.Reply(ctx, oracle.Request{
		ThreadRef: sess.ThreadRef,
		Phase:     sess.Progress.CurrentPhase,
		PhaseName: script.PhaseName(sess.Progress.CurrentPhase),
		Message:   message,
	})
	if err != nil {
		return "", asOracleError(ctx, err)
	}
	if strings.TrimSpace(reply) == "" {
		return "", errors.Wrap(oracle.ErrOracle, "empty reply")
	}
	return reply, nil
}

func asOracleError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrapf(oracle.ErrOracle, "timeout: %v", err)
	}
	if errors.Is(err, oracle.ErrOracle) {
		return err
	}
	return errors.Wrapf(oracle.ErrOracle, "%v", err)
}

// notify sends an alert in the background and reports whether a notifier
// was available to send it.
func (s *Service) notify(alert Alert) bool {
	alert.Link = s.SessionLink(alert.SessionID)
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	log := logrus.WithFields(logrus.Fields{"session": alert.SessionID, "reason": alert.Reason})
	if s.notifier == nil {
		log.Warn("coach alert not sent: no notifier configured")
		return false
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if e := recover(); e != nil {
				log.Errorf("coach notifier panic: %v\n%s", e, debug.Stack())
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.notifier.NotifyCoach(ctx, alert); err != nil {
			log.WithError(err).Error("coach alert failed")
			return
		}
		log.Info("coach alert sent")
	}()
	return true
}
