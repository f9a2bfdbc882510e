package coaching

import "strings"

// DetectCrisis reports the first crisis term contained in message, matched
// case-insensitively as a substring.
func (s *Script) DetectCrisis(message string) (string, bool) {
	lower := strings.ToLower(message)
	for _, term := range s.CrisisTerms {
		if term != "" && strings.Contains(lower, term) {
			return term, true
		}
	}
	return "", false
}

// DetectsCrisis reports whether message contains any crisis term.
func (s *Script) DetectsCrisis(message string) bool {
	_, ok := s.DetectCrisis(message)
	return ok
}
