package session

import (
	"time"

	"coachbot/internal/coaching"
)

// Mode is who answers a session: the assistant or a human coach.
type Mode string

const (
	ModeAI    Mode = "ai_mode"
	ModeCoach Mode = "coach_mode"
)

// Source records how a session was first opened.
type Source string

const (
	SourceWeb   Source = "web"
	SourceEmail Source = "email"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleCoach     Role = "coach"
)

// Message is one entry of a session transcript.
type Message struct {
	Role         Role      `json:"role"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	Intervention bool      `json:"intervention,omitempty"`
}

// Intervention is set when the crisis trigger fires. It is never cleared
// automatically.
type Intervention struct {
	Needed  bool      `json:"needed"`
	Trigger string    `json:"trigger,omitempty"`
	At      time.Time `json:"at,omitempty"`
}

type Takeover struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

type Consent struct {
	Given        bool      `json:"given"`
	At           time.Time `json:"at"`
	AnonymizedIP string    `json:"anonymizedIp"`
	Version      string    `json:"version"`
}

type Note struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Session holds the state of one coachee's conversation.
type Session struct {
	ID             string            `json:"id"`
	ThreadRef      string            `json:"-"`
	Source         Source            `json:"source"`
	Mode           Mode              `json:"mode"`
	Progress       coaching.Progress `json:"progress"`
	Messages       []Message         `json:"messages"`
	CreatedAt      time.Time         `json:"createdAt"`
	Email          string            `json:"email,omitempty"`
	InitialMessage string            `json:"initialMessage,omitempty"`
	Intervention   Intervention      `json:"intervention"`
	Takeover       *Takeover         `json:"takeover,omitempty"`
	Consent        *Consent          `json:"consent,omitempty"`
	Notes          []Note            `json:"notes,omitempty"`
}

func (s *Session) clone() *Session {
	c := *s
	c.Progress = s.Progress.Clone()
	c.Messages = make([]Message, len(s.Messages))
	copy(c.Messages, s.Messages)
	c.Notes = make([]Note, len(s.Notes))
	copy(c.Notes, s.Notes)
	if s.Takeover != nil {
		t := *s.Takeover
		c.Takeover = &t
	}
	if s.Consent != nil {
		k := *s.Consent
		c.Consent = &k
	}
	return &c
}

// Summary is the operator-facing view of a session.
type Summary struct {
	ID                 string    `json:"id"`
	Source             Source    `json:"source"`
	Mode               Mode      `json:"mode"`
	CurrentPhase       int       `json:"currentPhase"`
	TotalProgress      float64   `json:"totalProgress"`
	MessageCount       int       `json:"messageCount"`
	InterventionNeeded bool      `json:"interventionNeeded"`
	Email              string    `json:"email,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Summarize builds the operator view of s.
func (s *Session) Summarize() Summary {
	return Summary{
		ID:                 s.ID,
		Source:             s.Source,
		Mode:               s.Mode,
		CurrentPhase:       s.Progress.CurrentPhase,
		TotalProgress:      s.Progress.TotalProgress,
		MessageCount:       len(s.Messages),
		InterventionNeeded: s.Intervention.Needed,
		Email:              s.Email,
		CreatedAt:          s.CreatedAt,
	}
}

// EventType distinguishes the kinds of registry change events.
type EventType string

const (
	EventCreated      EventType = "created"
	EventUpdated      EventType = "updated"
	EventMessage      EventType = "message"
	EventIntervention EventType = "intervention"
	EventDeleted      EventType = "deleted"
)

// Event is a single change to the registry, delivered to live monitors.
type Event struct {
	SessionID string    `json:"sessionId"`
	Type      EventType `json:"type"`
	Summary   *Summary  `json:"summary,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
