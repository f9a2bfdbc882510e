package coaching

import "strings"

const (
	pointsPerKeyword = 25
	advanceThreshold = 75
	maxProgress      = 100
)

// Progress is the phase-tracking state of one session.
type Progress struct {
	CurrentPhase  int         `json:"current_phase"`
	PhaseProgress map[int]int `json:"phase_progress"`
	TotalProgress float64     `json:"total_progress"`
}

// NewProgress returns the state of a fresh session: phase 1, all phases at 0.
func NewProgress() Progress {
	pp := make(map[int]int, PhaseCount)
	for i := 1; i <= PhaseCount; i++ {
		pp[i] = 0
	}
	return Progress{CurrentPhase: 1, PhaseProgress: pp}
}

// Clone returns a deep copy.
func (p Progress) Clone() Progress {
	pp := make(map[int]int, len(p.PhaseProgress))
	for k, v := range p.PhaseProgress {
		pp[k] = v
	}
	p.PhaseProgress = pp
	return p
}

// Report describes the state after one analyzed turn.
type Report struct {
	CurrentPhase  int         `json:"current_phase"`
	PhaseName     string      `json:"phase_name"`
	TotalProgress float64     `json:"total_progress"`
	PhaseProgress map[int]int `json:"phase_progress"`
	PhaseChanged  bool        `json:"phase_changed"`
}

// ReportOf snapshots a progress state without analyzing anything.
func ReportOf(p Progress, s *Script) Report {
	c := p.Clone()
	return Report{
		CurrentPhase:  c.CurrentPhase,
		PhaseName:     s.PhaseName(c.CurrentPhase),
		TotalProgress: c.TotalProgress,
		PhaseProgress: c.PhaseProgress,
	}
}

// MatchCount counts the distinct keywords occurring as substrings of blob.
// blob is expected to be lowercase already.
func MatchCount(keywords []string, blob string) int {
	seen := make(map[string]bool, len(keywords))
	n := 0
	for _, kw := range keywords {
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		if strings.Contains(blob, kw) {
			n++
		}
	}
	return n
}

// Total averages all phase progress values, clamped to 100.
func Total(phaseProgress map[int]int) float64 {
	sum := 0
	for i := 1; i <= PhaseCount; i++ {
		sum += phaseProgress[i]
	}
	return min(float64(sum)/PhaseCount, maxProgress)
}

// Analyze updates p from the combined text of a user message and the
// assistant reply.
//
// The current phase's progress becomes max(old, 25 per distinct keyword hit),
// capped at 100. When it is at least 75 and the text also mentions a keyword of
// the next phase, the session advances one phase and the new phase is seeded
// with the script's PhaseSeed. Phases never regress and never skip.
func Analyze(p *Progress, s *Script, userMessage, oracleReply string) Report {
	if p.PhaseProgress == nil {
		*p = NewProgress()
	}
	blob := strings.ToLower(userMessage + " " + oracleReply)
	phase := p.CurrentPhase

	candidate := min(MatchCount(s.Keywords(phase), blob)*pointsPerKeyword, maxProgress)
	if candidate > p.PhaseProgress[phase] {
		p.PhaseProgress[phase] = candidate
	}

	changed := false
	if p.PhaseProgress[phase] >= advanceThreshold && phase < PhaseCount &&
		MatchCount(s.Keywords(phase+1), blob) > 0 {
		p.CurrentPhase = phase + 1
		p.PhaseProgress[p.CurrentPhase] = s.PhaseSeed
		changed = true
	}

	p.TotalProgress = Total(p.PhaseProgress)

	r := ReportOf(*p, s)
	r.PhaseChanged = changed
	return r
}
