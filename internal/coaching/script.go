package coaching

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PhaseCount is the number of phases in every coaching script.
const PhaseCount = 5

// DefaultPhaseSeed is the progress a phase starts with when it is entered.
const DefaultPhaseSeed = 15

// ErrInvalidScript is returned when a script file fails validation.
var ErrInvalidScript = errors.New("invalid coaching script")

// Phase is one stage of the coaching script.
type Phase struct {
	Number   int      `yaml:"number" json:"number"`
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// Script is the configuration data driving progress tracking and the
// crisis safety net. It is read-only once built; reloads produce a new value.
type Script struct {
	Phases        []Phase  `yaml:"phases" json:"phases"`
	PhaseSeed     int      `yaml:"phase_seed" json:"phaseSeed"`
	CrisisTerms   []string `yaml:"crisis_terms" json:"crisisTerms"`
	SafetyMessage string   `yaml:"safety_message" json:"safetyMessage"`
}

const defaultSafetyMessage = `Ich merke, dass Sie gerade eine schwierige Zeit durchmachen. Das ist völlig verständlich und Sie sind mit Ihren Gefühlen nicht allein.

🤝 Ein menschlicher Coach wird sich in Kürze bei Ihnen melden, um Sie persönlich zu unterstützen.

In der Zwischenzeit möchte ich Sie daran erinnern:
• Sie sind wertvoll und wichtig
• Es gibt professionelle Hilfe
• Diese schwere Zeit wird vorübergehen

📞 Bei akuten Krisen:
- Notfall: 144 (Schweiz)
- Dargebotene Hand: 143
- Pro Juventute: 147

Ihr Coach wird sich umgehend bei Ihnen melden.`

// DefaultScript returns the built-in retirement coaching script.
func DefaultScript() *Script {
	return &Script{
		Phases: []Phase{
			{Number: 1, Name: "Standortbestimmung", Keywords: []string{"standort", "situation", "ausgangslage", "aktuell", "status"}},
			{Number: 2, Name: "Zielsetzung", Keywords: []string{"ziel", "wunsch", "vision", "vorstellen", "erreichen"}},
			{Number: 3, Name: "Strategieentwicklung", Keywords: []string{"strategie", "plan", "weg", "schritte", "vorgehen"}},
			{Number: 4, Name: "Umsetzungsplanung", Keywords: []string{"umsetzung", "konkret", "anfangen", "beginnen", "handeln"}},
			{Number: 5, Name: "Erfolgskontrolle", Keywords: []string{"kontrolle", "überprüfen", "messen", "erfolg", "bewerten"}},
		},
		PhaseSeed: DefaultPhaseSeed,
		CrisisTerms: []string{
			"suizid", "selbstmord", "umbringen", "sterben wollen",
			"therapie", "depression", "angststörung", "trauma",
			"medikamente", "antidepressiva", "psychiater",
			"nicht mehr leben", "hoffnungslos", "verzweifelt",
		},
		SafetyMessage: defaultSafetyMessage,
	}
}

// LoadScript reads a YAML script file. Fields omitted from the file keep
// their built-in defaults.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read script %s", path)
	}
	return ParseScript(data)
}

// ParseScript decodes and validates a YAML script document.
func ParseScript(data []byte) (*Script, error) {
	s := DefaultScript()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(ErrInvalidScript, "decode: %v", err)
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that the script has exactly PhaseCount phases numbered
// 1..PhaseCount in order, each with at least one keyword.
func (s *Script) Validate() error {
	if len(s.Phases) != PhaseCount {
		return errors.Wrapf(ErrInvalidScript, "expected %d phases, got %d", PhaseCount, len(s.Phases))
	}
	for i, p := range s.Phases {
		if p.Number != i+1 {
			return errors.Wrapf(ErrInvalidScript, "phase at position %d has number %d", i+1, p.Number)
		}
		if len(p.Keywords) == 0 {
			return errors.Wrapf(ErrInvalidScript, "phase %d has no keywords", p.Number)
		}
	}
	if s.PhaseSeed < 0 || s.PhaseSeed > 100 {
		return errors.Wrapf(ErrInvalidScript, "phase_seed %d out of range", s.PhaseSeed)
	}
	if strings.TrimSpace(s.SafetyMessage) == "" {
		return errors.Wrap(ErrInvalidScript, "safety_message is empty")
	}
	return nil
}

// normalize lowercases keywords and drops blank entries so matching can run
// against a lowercased blob.
func (s *Script) normalize() {
	for i := range s.Phases {
		s.Phases[i].Keywords = lowerAll(s.Phases[i].Keywords)
	}
	s.CrisisTerms = lowerAll(s.CrisisTerms)
}

func lowerAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}

// Keywords returns the keyword set of a phase, or nil when the phase is out
// of range.
func (s *Script) Keywords(phase int) []string {
	if phase < 1 || phase > len(s.Phases) {
		return nil
	}
	return s.Phases[phase-1].Keywords
}

// PhaseName returns the display name of a phase.
func (s *Script) PhaseName(phase int) string {
	if phase < 1 || phase > len(s.Phases) {
		return ""
	}
	return s.Phases[phase-1].Name
}
