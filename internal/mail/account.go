// Package mail relays coaching conversations over email: it polls an IMAP
// inbox for unseen mail, answers over SMTP and alerts the human coach.
package mail

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrConfigMissing means the mail account is not configured, usually
	// because no password was supplied. The poller idles and retries.
	ErrConfigMissing = errors.New("mail account not configured")
	// ErrTransport covers IMAP and SMTP connection, protocol and auth
	// failures.
	ErrTransport = errors.New("mail transport failed")
)

// Account holds the mailbox credentials and server addresses.
type Account struct {
	Address      string
	Password     string
	IMAPAddr     string
	SMTPHost     string
	SMTPPort     int
	CoachAddress string
	Timeout      time.Duration
}

// AccountFunc returns the current account settings. It is called at the
// start of every poll cycle so configuration changes take effect without a
// restart.
type AccountFunc func() Account

// Validate reports ErrConfigMissing when the account cannot log in.
func (a Account) Validate() error {
	switch {
	case strings.TrimSpace(a.Address) == "":
		return errors.Wrap(ErrConfigMissing, "address is empty")
	case a.Password == "":
		return errors.Wrap(ErrConfigMissing, "password is empty")
	case a.IMAPAddr == "":
		return errors.Wrap(ErrConfigMissing, "imap server is empty")
	case a.SMTPHost == "":
		return errors.Wrap(ErrConfigMissing, "smtp server is empty")
	}
	return nil
}

func transportErr(err error, op string) error {
	return errors.Wrapf(ErrTransport, "%s: %v", op, err)
}
