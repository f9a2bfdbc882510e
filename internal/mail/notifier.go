package mail

import (
	"context"
	"fmt"
	"strings"

	"coachbot/internal/coach"

	"github.com/pkg/errors"
)

// CoachNotifier emails intervention alerts to the human coach.
type CoachNotifier struct {
	account   AccountFunc
	newSender func(Account) Sender
}

// NewCoachNotifier creates a notifier that sends from the relay account.
func NewCoachNotifier(account AccountFunc) *CoachNotifier {
	return &CoachNotifier{
		account:   account,
		newSender: func(a Account) Sender { return NewSMTPSender(a) },
	}
}

func (n *CoachNotifier) NotifyCoach(ctx context.Context, alert coach.Alert) error {
	acct := n.account()
	to := strings.TrimSpace(acct.CoachAddress)
	if to == "" {
		to = acct.Address
	}
	if to == "" {
		return errors.Wrap(ErrConfigMissing, "no coach address")
	}
	return n.newSender(acct).Send(ctx, alertMessage(to, alert))
}

func alertMessage(to string, alert coach.Alert) Outbound {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s braucht Ihre Aufmerksamkeit.\n\n", alert.SessionID)
	fmt.Fprintf(&b, "Grund: %s\n", alert.Reason)
	if alert.Trigger != "" {
		fmt.Fprintf(&b, "Auslöser: %s\n", alert.Trigger)
	}
	fmt.Fprintf(&b, "Zeitpunkt: %s\n", alert.At.Format("02.01.2006 15:04"))
	if alert.LastMessage != "" {
		fmt.Fprintf(&b, "\nLetzte Nachricht:\n%s\n", alert.LastMessage)
	}
	fmt.Fprintf(&b, "\nSession öffnen:\n%s\n", alert.Link)

	return Outbound{
		To:      to,
		Subject: fmt.Sprintf("Coach-Intervention erforderlich: Session %s", alert.SessionID),
		Text:    b.String(),
	}
}
