package coach

import (
	"context"
	"fmt"
	"strings"

	"coachbot/internal/session"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultEmailSubject = "Ihre Coaching-Anfrage"

// InboundEmail is a plain-text message received from a coachee.
type InboundEmail struct {
	From    string
	Subject string
	Body    string
}

// EmailReply is the answer to send back for an InboundEmail.
type EmailReply struct {
	SessionID  string
	To         string
	Subject    string
	Body       string
	Link       string
	NewSession bool
	Turn       *Turn
}

// HandleEmail runs the email body as a chat turn. Mail from an address that
// already has a session continues that session; otherwise a new one is
// opened.
func (s *Service) HandleEmail(ctx context.Context, in InboundEmail) (*EmailReply, error) {
	from := strings.ToLower(strings.TrimSpace(in.From))
	if from == "" {
		return nil, errors.New("email has no sender")
	}
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return nil, ErrEmptyMessage
	}

	sess, created, err := s.sessionFor(ctx, from, body)
	if err != nil {
		return nil, err
	}

	turn, err := s.Chat(ctx, sess.ID, body)
	if err != nil {
		return nil, err
	}

	link := s.SessionLink(sess.ID)
	logrus.WithFields(logrus.Fields{"session": sess.ID, "from": from, "new": created}).Info("email turn handled")
	return &EmailReply{
		SessionID:  sess.ID,
		To:         from,
		Subject:    replySubject(in.Subject),
		Body:       emailBody(turn.Response, link, created),
		Link:       link,
		NewSession: created,
		Turn:       turn,
	}, nil
}

func (s *Service) sessionFor(ctx context.Context, from, body string) (*session.Session, bool, error) {
	sess, err := s.registry.FindByEmail(from)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, false, err
	}

	sess, err = s.CreateSession(ctx, session.SourceEmail)
	if err != nil {
		return nil, false, err
	}
	sess, err = s.registry.AttachEmail(sess.ID, from, body)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = defaultEmailSubject
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func emailBody(response, link string, first bool) string {
	var b strings.Builder
	b.WriteString("Liebe/r Coachee,\n\n")
	if first {
		b.WriteString("vielen Dank für Ihre Nachricht. Ihr persönlicher Coaching-Assistent hat Ihre Anfrage gelesen.\n\n")
	}
	b.WriteString(response)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Setzen Sie das Gespräch hier fort:\n%s\n\n", link)
	b.WriteString("Herzliche Grüsse\nIhr Coaching-Team\n")
	return b.String()
}
