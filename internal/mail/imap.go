package mail

import (
	"context"
	"crypto/tls"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	gomessage "github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	inboxName          = "INBOX"
	defaultIMAPTimeout = 30 * time.Second
	fetchBuffer        = 10
)

// Inbound is one unseen message from the inbox.
type Inbound struct {
	UID     uint32
	From    string
	Subject string
	Body    string
}

// HandleFunc processes one inbound message. The message is marked seen
// after it returns, whatever the result.
type HandleFunc func(ctx context.Context, msg Inbound) error

// Mailbox is the inbox side of the relay.
type Mailbox interface {
	// Poll fetches unseen messages, calls handle for each and marks them
	// seen. It returns how many messages were handled without error.
	Poll(ctx context.Context, handle HandleFunc) (int, error)
	// MarkAllUnread clears the seen flag on every message in the inbox.
	MarkAllUnread(ctx context.Context) (int, error)
}

// IMAPMailbox implements Mailbox over IMAP with implicit TLS.
type IMAPMailbox struct {
	account Account
	log     *logrus.Entry
}

// NewIMAPMailbox creates a mailbox for the account.
func NewIMAPMailbox(account Account) *IMAPMailbox {
	return &IMAPMailbox{
		account: account,
		log:     logrus.WithFields(logrus.Fields{"component": "imap", "mailbox": account.Address}),
	}
}

func (m *IMAPMailbox) connect(ctx context.Context) (*client.Client, func(), error) {
	if err := m.account.Validate(); err != nil {
		return nil, nil, err
	}
	host := m.account.IMAPAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}

	c, err := client.DialTLS(m.account.IMAPAddr, &tls.Config{ServerName: host})
	if err != nil {
		return nil, nil, transportErr(err, "dial imap")
	}
	c.Timeout = m.account.Timeout
	if c.Timeout <= 0 {
		c.Timeout = defaultIMAPTimeout
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	closeFn := func() {
		stop()
		if err := c.Logout(); err != nil {
			m.log.WithError(err).Debug("imap logout")
		}
	}

	if err := c.Login(m.account.Address, m.account.Password); err != nil {
		closeFn()
		return nil, nil, transportErr(err, "imap login")
	}
	return c, closeFn, nil
}

func (m *IMAPMailbox) Poll(ctx context.Context, handle HandleFunc) (int, error) {
	c, closeFn, err := m.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	if _, err := c.Select(inboxName, false); err != nil {
		return 0, transportErr(err, "select inbox")
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return 0, transportErr(err, "search unseen")
	}
	if len(uids) == 0 {
		return 0, nil
	}
	m.log.WithField("count", len(uids)).Info("unseen messages found")

	fetched, skipped, err := m.fetch(c, uids)
	if err != nil {
		return 0, err
	}

	// Unreadable messages are marked seen too so they are not fetched again
	// on every cycle.
	seen := new(imap.SeqSet)
	seen.AddNum(skipped...)
	handled := 0
	for _, msg := range fetched {
		if ctx.Err() != nil {
			break
		}
		if err := handle(ctx, msg); err != nil {
			m.log.WithError(err).WithField("uid", msg.UID).Error("handle email")
		} else {
			handled++
		}
		seen.AddNum(msg.UID)
	}

	if !seen.Empty() {
		flags := []interface{}{imap.SeenFlag}
		if err := c.UidStore(seen, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			return handled, transportErr(err, "mark seen")
		}
	}
	return handled, nil
}

// fetch downloads the full bodies without setting \Seen. skipped holds the
// uids of messages that had no body or could not be parsed.
func (m *IMAPMailbox) fetch(c *client.Client, uids []uint32) (inbound []Inbound, skipped []uint32, err error) {
	set := new(imap.SeqSet)
	set.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, fetchBuffer)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(set, items, messages)
	}()

	inbound, skipped = m.collect(messages, section)
	if err := <-done; err != nil {
		return nil, nil, transportErr(err, "fetch")
	}
	return inbound, skipped, nil
}

func (m *IMAPMailbox) collect(messages <-chan *imap.Message, section *imap.BodySectionName) (inbound []Inbound, skipped []uint32) {
	for msg := range messages {
		body := msg.GetBody(section)
		if body == nil {
			m.log.WithField("uid", msg.Uid).Warn("message without body")
			skipped = append(skipped, msg.Uid)
			continue
		}
		in, err := ParseMessage(body)
		if err != nil {
			m.log.WithError(err).WithField("uid", msg.Uid).Warn("unparseable message")
			skipped = append(skipped, msg.Uid)
			continue
		}
		in.UID = msg.Uid
		inbound = append(inbound, in)
	}
	return inbound, skipped
}

func (m *IMAPMailbox) MarkAllUnread(ctx context.Context) (int, error) {
	c, closeFn, err := m.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer closeFn()

	status, err := c.Select(inboxName, false)
	if err != nil {
		return 0, transportErr(err, "select inbox")
	}
	if status.Messages == 0 {
		return 0, nil
	}

	set := new(imap.SeqSet)
	set.AddRange(1, status.Messages)
	flags := []interface{}{imap.SeenFlag}
	if err := c.Store(set, imap.FormatFlagsOp(imap.RemoveFlags, true), flags, nil); err != nil {
		return 0, transportErr(err, "mark unread")
	}
	m.log.WithField("count", status.Messages).Info("marked all messages unread")
	return int(status.Messages), nil
}

// ParseMessage extracts sender, subject and the first text/plain part of a
// raw RFC 5322 message.
func ParseMessage(r io.Reader) (Inbound, error) {
	mr, err := gomessage.CreateReader(r)
	if err != nil {
		return Inbound{}, errors.Wrap(err, "read message")
	}

	var in Inbound
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		in.From = from[0].Address
	}
	if in.From == "" {
		return Inbound{}, errors.New("message has no sender")
	}
	in.Subject, _ = mr.Header.Subject()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Inbound{}, errors.Wrap(err, "read part")
		}
		h, ok := part.Header.(*gomessage.InlineHeader)
		if !ok {
			continue
		}
		if ct, _, _ := h.ContentType(); ct != "" && ct != "text/plain" {
			continue
		}
		b, err := io.ReadAll(part.Body)
		if err != nil {
			return Inbound{}, errors.Wrap(err, "read body")
		}
		in.Body = strings.TrimSpace(string(b))
		break
	}
	return in, nil
}
