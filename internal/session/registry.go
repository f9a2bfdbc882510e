package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"coachbot/internal/coaching"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	idLength                = 8
	maxIDLength             = 64
	maxIDAttempts           = 16
	defaultHistoryCapacity  = 500
	defaultSubscriberBufCap = 100
	consentVersion          = "1.0"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned when a chosen id is already registered.
	ErrExists = errors.New("session already exists")
	// ErrInvalidID is returned for ids that cannot name a session.
	ErrInvalidID = errors.New("invalid session id")
)

func notFound(id string) error {
	return errors.Wrapf(ErrNotFound, "id %q", id)
}

// Registry is the in-memory table of coaching sessions. It is safe for
// concurrent use. The table lock guards membership and each session has its
// own lock for mutations; neither is held while calling out to the oracle.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	now   func() time.Time
	newID func() string

	history     *RingBuffer
	subscribers map[string]chan Event
	subMu       sync.RWMutex
}

type entry struct {
	mu      sync.Mutex
	s       *Session
	deleted bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithHistory sets how many events late subscribers receive.
func WithHistory(capacity int) Option {
	return func(r *Registry) { r.history = NewRingBuffer(capacity) }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*entry),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() string { return uuid.New().String()[:idLength] },
		history:     NewRingBuffer(defaultHistoryCapacity),
		subscribers: make(map[string]chan Event),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new session bound to an oracle thread.
func (r *Registry) Create(threadRef string, source Source) (*Session, error) {
	return r.insert("", threadRef, source)
}

// CreateWithID registers a session under a caller-chosen id, e.g. one taken
// from a session link. It fails with ErrExists when the id is taken.
func (r *Registry) CreateWithID(id, threadRef string, source Source) (*Session, error) {
	if !ValidID(id) {
		return nil, errors.Wrapf(ErrInvalidID, "id %q", id)
	}
	return r.insert(id, threadRef, source)
}

// ValidID reports whether id can name a session: 1 to 64 ASCII letters,
// digits, '-' or '_'.
func ValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// insert allocates an id when id is empty.
func (r *Registry) insert(id, threadRef string, source Source) (*Session, error) {
	r.mu.Lock()
	if id != "" {
		if _, exists := r.sessions[id]; exists {
			r.mu.Unlock()
			return nil, errors.Wrapf(ErrExists, "id %q", id)
		}
	} else {
		for attempt := 0; attempt < maxIDAttempts; attempt++ {
			candidate := r.newID()
			if _, exists := r.sessions[candidate]; !exists && candidate != "" {
				id = candidate
				break
			}
		}
	}
	if id == "" {
		r.mu.Unlock()
		return nil, errors.New("could not allocate a unique session id")
	}

	sess := &Session{
		ID:        id,
		ThreadRef: threadRef,
		Source:    source,
		Mode:      ModeAI,
		Progress:  coaching.NewProgress(),
		Messages:  []Message{},
		CreatedAt: r.now(),
	}
	r.sessions[id] = &entry{s: sess}
	snap := sess.clone()
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{"session": id, "source": source}).Info("session created")
	r.publish(snap, EventCreated, nil, "")
	return snap, nil
}

// Get returns a snapshot of a session.
func (r *Registry) Get(id string) (*Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, notFound(id)
	}
	return e.s.clone(), nil
}

// List returns snapshots of all sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	result := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		e.mu.Lock()
		result = append(result, e.s.clone())
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// FindByEmail returns the newest session opened from the given address.
func (r *Registry) FindByEmail(addr string) (*Session, error) {
	addr = strings.ToLower(strings.TrimSpace(addr))
	var found *Session
	for _, s := range r.List() {
		if addr != "" && strings.ToLower(s.Email) == addr {
			found = s
		}
	}
	if found == nil {
		return nil, notFound(addr)
	}
	return found, nil
}

// ApplyTurn records a user message and the oracle reply, then runs the
// progress analyzer over both.
func (r *Registry) ApplyTurn(id string, script *coaching.Script, userText, reply string) (coaching.Report, error) {
	var report coaching.Report
	snap, err := r.mutate(id, func(s *Session, now time.Time) {
		s.Messages = append(s.Messages,
			Message{Role: RoleUser, Text: userText, Timestamp: now},
			Message{Role: RoleAssistant, Text: reply, Timestamp: now},
		)
		report = coaching.Analyze(&s.Progress, script, userText, reply)
	})
	if err != nil {
		return coaching.Report{}, err
	}
	if report.PhaseChanged {
		logrus.WithFields(logrus.Fields{"session": id, "phase": report.CurrentPhase}).Info("phase advanced")
	}
	r.publishTurn(snap, EventUpdated, "")
	return report, nil
}

// RecordUnscoredTurn appends a turn without touching progress. It is used
// for fallback replies and coach-mode messages.
func (r *Registry) RecordUnscoredTurn(id string, script *coaching.Script, userText string, reply Message) (coaching.Report, error) {
	var report coaching.Report
	snap, err := r.mutate(id, func(s *Session, now time.Time) {
		s.Messages = append(s.Messages, Message{Role: RoleUser, Text: userText, Timestamp: now})
		if reply.Text != "" {
			if reply.Timestamp.IsZero() {
				reply.Timestamp = now
			}
			s.Messages = append(s.Messages, reply)
		}
		report = coaching.ReportOf(s.Progress, script)
	})
	if err != nil {
		return coaching.Report{}, err
	}
	r.publishTurn(snap, EventUpdated, "")
	return report, nil
}

// FlagIntervention marks a session as needing a human coach and records the
// turn with the safety reply. Progress is left unchanged.
func (r *Registry) FlagIntervention(id string, script *coaching.Script, userText, trigger, safetyReply string) (coaching.Report, error) {
	var report coaching.Report
	snap, err := r.mutate(id, func(s *Session, now time.Time) {
		s.Messages = append(s.Messages,
			Message{Role: RoleUser, Text: userText, Timestamp: now},
			Message{Role: RoleAssistant, Text: safetyReply, Timestamp: now, Intervention: true},
		)
		s.Intervention = Intervention{Needed: true, Trigger: trigger, At: now}
		report = coaching.ReportOf(s.Progress, script)
	})
	if err != nil {
		return coaching.Report{}, err
	}
	logrus.WithFields(logrus.Fields{"session": id, "trigger": trigger}).Warn("intervention needed")
	r.publishTurn(snap, EventIntervention, trigger)
	return report, nil
}

// Takeover switches a session to coach mode.
func (r *Registry) Takeover(id, reason string) (*Session, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "Manual intervention"
	}
	snap, err := r.mutate(id, func(s *Session, now time.Time) {
		s.Mode = ModeCoach
		s.Takeover = &Takeover{At: now, Reason: reason}
	})
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"session": id, "reason": reason}).Info("coach takeover")
	r.publish(snap, EventUpdated, nil, reason)
	return snap, nil
}

// AddNote attaches an operator note to a session.
func (r *Registry) AddNote(id, text string) (*Session, error) {
	snap, err := r.mutate(id, func(s *Session, now time.Time) {
		s.Notes = append(s.Notes, Note{Text: text, At: now})
	})
	if err != nil {
		return nil, err
	}
	r.publish(snap, EventUpdated, nil, "note")
	return snap, nil
}

// AddCoachReply appends a message written by the human coach.
func (r *Registry) AddCoachReply(id, text string) (*Session, error) {
	snap, err := r.mutate(id, func(s *Session, now time.Time) {
		s.Messages = append(s.Messages, Message{Role: RoleCoach, Text: text, Timestamp: now})
	})
	if err != nil {
		return nil, err
	}
	r.publishTurn(snap, EventMessage, "")
	return snap, nil
}

// RecordConsent stores the data-processing consent decision. The client IP
// is truncated before storage.
func (r *Registry) RecordConsent(id string, given bool, remoteIP string) (*Session, error) {
	snap, err := r.mutate(id, func(s *Session, now time.Time) {
		s.Consent = &Consent{Given: given, At: now, AnonymizedIP: AnonymizeIP(remoteIP), Version: consentVersion}
	})
	if err != nil {
		return nil, err
	}
	r.publish(snap, EventUpdated, nil, "consent")
	return snap, nil
}

// AttachEmail binds a session to the sender address it was opened from.
func (r *Registry) AttachEmail(id, addr, initialMessage string) (*Session, error) {
	snap, err := r.mutate(id, func(s *Session, _ time.Time) {
		s.Email = addr
		if s.InitialMessage == "" {
			s.InitialMessage = initialMessage
		}
	})
	if err != nil {
		return nil, err
	}
	r.publish(snap, EventUpdated, nil, "")
	return snap, nil
}

// DeleteOlderThan removes every session created before cutoff and returns
// the removed ids.
func (r *Registry) DeleteOlderThan(cutoff time.Time) []string {
	r.mu.Lock()
	var ids []string
	for id, e := range r.sessions {
		e.mu.Lock()
		if e.s.CreatedAt.Before(cutoff) {
			e.deleted = true
			ids = append(ids, id)
			delete(r.sessions, id)
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		r.emit(Event{SessionID: id, Type: EventDeleted, Timestamp: r.now()})
	}
	return ids
}

// Subscribe returns a channel of registry events and the buffered history.
func (r *Registry) Subscribe() (string, <-chan Event, []Event) {
	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	// Get buffered history before subscribing to avoid race.
	history := r.history.ReadAll()

	r.subMu.Lock()
	r.subscribers[subID] = ch
	r.subMu.Unlock()

	return subID, ch, history
}

// Unsubscribe closes and removes a subscriber.
func (r *Registry) Unsubscribe(subID string) {
	r.subMu.Lock()
	if ch, exists := r.subscribers[subID]; exists {
		close(ch)
		delete(r.subscribers, subID)
	}
	r.subMu.Unlock()
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return e, nil
}

// mutate runs fn under the session lock and returns a snapshot taken before
// the lock is released.
func (r *Registry) mutate(id string, fn func(s *Session, now time.Time)) (*Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, notFound(id)
	}
	fn(e.s, r.now())
	return e.s.clone(), nil
}

func (r *Registry) publishTurn(snap *Session, typ EventType, detail string) {
	var last *Message
	if n := len(snap.Messages); n > 0 {
		m := snap.Messages[n-1]
		last = &m
	}
	r.publish(snap, typ, last, detail)
}

func (r *Registry) publish(snap *Session, typ EventType, msg *Message, detail string) {
	summary := snap.Summarize()
	r.emit(Event{
		SessionID: snap.ID,
		Type:      typ,
		Summary:   &summary,
		Message:   msg,
		Detail:    detail,
		Timestamp: r.now(),
	})
}

// emit stores an event in the history and fans it out to subscribers.
func (r *Registry) emit(event Event) {
	r.history.Write(event)

	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}

// AnonymizeIP keeps the first eight characters of an address.
func AnonymizeIP(ip string) string {
	if len(ip) > 8 {
		ip = ip[:8]
	}
	return ip + "***"
}
