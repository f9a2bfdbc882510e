package mail

import (
	"context"
	"html/template"
	"strings"

	gomail "github.com/wneessen/go-mail"
)

const defaultSMTPPort = 587

// Outbound is a message to send.
type Outbound struct {
	To      string
	Subject string
	Text    string
	// HTML is optional. When empty an HTML alternative is derived from Text.
	HTML string
}

// Sender delivers outbound mail.
type Sender interface {
	Send(ctx context.Context, msg Outbound) error
}

// SMTPSender submits mail with STARTTLS and PLAIN auth.
type SMTPSender struct {
	account Account
}

// NewSMTPSender creates a sender for the account.
func NewSMTPSender(account Account) *SMTPSender {
	return &SMTPSender{account: account}
}

func (s *SMTPSender) Send(ctx context.Context, out Outbound) error {
	if err := s.account.Validate(); err != nil {
		return err
	}
	msg, err := buildMessage(s.account.Address, out)
	if err != nil {
		return err
	}

	port := s.account.SMTPPort
	if port == 0 {
		port = defaultSMTPPort
	}
	opts := []gomail.Option{
		gomail.WithPort(port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.account.Address),
		gomail.WithPassword(s.account.Password),
		gomail.WithTLSPolicy(gomail.TLSMandatory),
	}
	if s.account.Timeout > 0 {
		opts = append(opts, gomail.WithTimeout(s.account.Timeout))
	}

	c, err := gomail.NewClient(s.account.SMTPHost, opts...)
	if err != nil {
		return transportErr(err, "smtp client")
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return transportErr(err, "smtp send")
	}
	return nil
}

func buildMessage(from string, out Outbound) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, transportErr(err, "invalid sender")
	}
	if err := msg.To(out.To); err != nil {
		return nil, transportErr(err, "invalid recipient")
	}
	msg.Subject(out.Subject)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(gomail.TypeTextPlain, out.Text)

	html := out.HTML
	if html == "" {
		html = textToHTML(out.Text)
	}
	msg.AddAlternativeString(gomail.TypeTextHTML, html)
	return msg, nil
}

// textToHTML escapes text and turns blank-line separated blocks into
// paragraphs.
func textToHTML(text string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, block := range strings.Split(strings.TrimSpace(text), "\n\n") {
		if block == "" {
			continue
		}
		escaped := template.HTMLEscapeString(block)
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(escaped, "\n", "<br>"))
		b.WriteString("</p>")
	}
	b.WriteString("</body></html>")
	return b.String()
}
