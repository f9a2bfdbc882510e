package mail

import (
	"context"
	"time"

	"coachbot/internal/coach"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPollInterval = 60 * time.Second
	DefaultIdleInterval = 300 * time.Second
	DefaultErrorBackoff = 120 * time.Second
)

// Handler turns an inbound email into a reply.
type Handler interface {
	HandleEmail(ctx context.Context, in coach.InboundEmail) (*coach.EmailReply, error)
}

// Intervals controls how long the poller sleeps after each cycle.
type Intervals struct {
	// Poll follows a successful cycle.
	Poll time.Duration
	// Idle follows a cycle skipped for missing configuration.
	Idle time.Duration
	// Backoff follows a transport failure.
	Backoff time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.Poll <= 0 {
		i.Poll = DefaultPollInterval
	}
	if i.Idle <= 0 {
		i.Idle = DefaultIdleInterval
	}
	if i.Backoff <= 0 {
		i.Backoff = DefaultErrorBackoff
	}
	return i
}

// Result summarises one poll cycle.
type Result struct {
	Handled int
	Replied int
	Failed  int
}

// Poller answers unseen mail on a fixed cadence until its context ends.
type Poller struct {
	account    AccountFunc
	handler    Handler
	intervals  Intervals
	newMailbox func(Account) Mailbox
	newSender  func(Account) Sender
	log        *logrus.Entry
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithIntervals overrides the sleep durations.
func WithIntervals(i Intervals) PollerOption {
	return func(p *Poller) { p.intervals = i }
}

// WithMailbox overrides how the inbox is opened.
func WithMailbox(fn func(Account) Mailbox) PollerOption {
	return func(p *Poller) { p.newMailbox = fn }
}

// WithSender overrides how replies are sent.
func WithSender(fn func(Account) Sender) PollerOption {
	return func(p *Poller) { p.newSender = fn }
}

// NewPoller creates a poller backed by IMAP and SMTP unless overridden.
func NewPoller(account AccountFunc, handler Handler, opts ...PollerOption) *Poller {
	p := &Poller{
		account:    account,
		handler:    handler,
		newMailbox: func(a Account) Mailbox { return NewIMAPMailbox(a) },
		newSender:  func(a Account) Sender { return NewSMTPSender(a) },
		log:        logrus.WithField("component", "mail-poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.intervals = p.intervals.withDefaults()
	return p
}

// Run polls until ctx is cancelled. Errors of a single cycle are logged and
// only change how long the poller waits before the next one.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("mail poller started")
	defer p.log.Info("mail poller stopped")

	for {
		res, err := p.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := p.NextDelay(err)
		switch {
		case err == nil:
			if res.Handled > 0 || res.Failed > 0 {
				p.log.WithFields(logrus.Fields{"handled": res.Handled, "replied": res.Replied, "failed": res.Failed}).Info("poll cycle done")
			}
		case errors.Is(err, ErrConfigMissing):
			p.log.WithError(err).Warnf("mail not configured, retrying in %s", wait)
		default:
			p.log.WithError(err).Errorf("poll cycle failed, retrying in %s", wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// NextDelay picks the sleep after a cycle that ended with err.
func (p *Poller) NextDelay(err error) time.Duration {
	switch {
	case err == nil:
		return p.intervals.Poll
	case errors.Is(err, ErrConfigMissing):
		return p.intervals.Idle
	default:
		return p.intervals.Backoff
	}
}

// RunOnce performs a single poll cycle with freshly read account settings.
func (p *Poller) RunOnce(ctx context.Context) (Result, error) {
	acct := p.account()
	if err := acct.Validate(); err != nil {
		return Result{}, err
	}

	sender := p.newSender(acct)
	var res Result
	_, err := p.newMailbox(acct).Poll(ctx, func(ctx context.Context, in Inbound) error {
		if err := p.reply(ctx, sender, in); err != nil {
			res.Failed++
			return err
		}
		res.Replied++
		return nil
	})
	res.Handled = res.Replied + res.Failed
	return res, err
}

func (p *Poller) reply(ctx context.Context, sender Sender, in Inbound) error {
	reply, err := p.handler.HandleEmail(ctx, coach.InboundEmail{
		From:    in.From,
		Subject: in.Subject,
		Body:    in.Body,
	})
	if err != nil {
		return errors.Wrapf(err, "handle mail from %s", in.From)
	}
	return sender.Send(ctx, Outbound{
		To:      reply.To,
		Subject: reply.Subject,
		Text:    reply.Body,
	})
}
