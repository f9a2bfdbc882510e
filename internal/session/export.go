package session

import "time"

const exportNotice = "Diese Daten wurden gemäß DSGVO Art. 20 exportiert."

// ExportRecord is the redacted data export of one session. Message bodies
// are replaced by their length.
type ExportRecord struct {
	SessionInfo ExportSessionInfo `json:"session_info"`
	Messages    []ExportMessage   `json:"messages"`
	ExportInfo  ExportInfo        `json:"export_info"`
}

type ExportSessionInfo struct {
	ID            string      `json:"id"`
	CreatedAt     time.Time   `json:"created_at"`
	Phase         int         `json:"phase"`
	Progress      float64     `json:"progress"`
	PhaseProgress map[int]int `json:"phase_progress"`
	Mode          Mode        `json:"mode"`
	Consent       *Consent    `json:"consent,omitempty"`
}

type ExportMessage struct {
	Role          Role      `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	ContentLength int       `json:"content_length"`
}

type ExportInfo struct {
	ExportedAt           time.Time `json:"exported_at"`
	DataProtectionNotice string    `json:"data_protection_notice"`
}

// Export builds the redacted export of a session.
func (r *Registry) Export(id string) (*ExportRecord, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	msgs := make([]ExportMessage, 0, len(s.Messages))
	for _, m := range s.Messages {
		msgs = append(msgs, ExportMessage{
			Role:          m.Role,
			Timestamp:     m.Timestamp,
			ContentLength: len([]rune(m.Text)),
		})
	}

	return &ExportRecord{
		SessionInfo: ExportSessionInfo{
			ID:            ShortID(s.ID),
			CreatedAt:     s.CreatedAt,
			Phase:         s.Progress.CurrentPhase,
			Progress:      s.Progress.TotalProgress,
			PhaseProgress: s.Progress.PhaseProgress,
			Mode:          s.Mode,
			Consent:       s.Consent,
		},
		Messages: msgs,
		ExportInfo: ExportInfo{
			ExportedAt:           r.now(),
			DataProtectionNotice: exportNotice,
		},
	}, nil
}

// ShortID truncates an id for display in logs and exports.
func ShortID(id string) string {
	if len(id) > idLength {
		return id[:idLength]
	}
	return id
}
