package incidents

import (
	"fmt"
	"strings"
)

// Incident lifecycle statuses.
const (
	StatusDeclared      = "DECLARED"
	StatusInvestigating = "INVESTIGATING"
	StatusMitigated     = "MITIGATED"
	StatusResolved      = "RESOLVED"
	StatusClosed        = "CLOSED"
)

// Severity levels, highest first.
var Severities = []string{"SEV1", "SEV2", "SEV3", "SEV4"}

var ErrIllegalTransition = fmt.Errorf("illegal status transition")

// legalTransitions is the full lifecycle: forward one step at a time, plus
// reopening a closed incident back into investigation. No skips.
var legalTransitions = map[string]string{
	StatusDeclared:      StatusInvestigating,
	StatusInvestigating: StatusMitigated,
	StatusMitigated:     StatusResolved,
	StatusResolved:      StatusClosed,
	StatusClosed:        StatusInvestigating,
}

func ValidStatus(s string) bool {
	switch s {
	case StatusDeclared, StatusInvestigating, StatusMitigated, StatusResolved, StatusClosed:
		return true
	}
	return false
}

func ValidSeverity(s string) bool {
	for _, sev := range Severities {
		if sev == s {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition unless to is the single legal
// successor of from.
func CheckTransition(from, to string) error {
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	if !ValidStatus(from) || !ValidStatus(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	if legalTransitions[from] != to {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// IsReopen reports whether the transition brings a closed incident back to
// life, which restarts escalation from scratch.
func IsReopen(from, to string) bool {
	return from == StatusClosed && to == StatusInvestigating
}

// IsSettled reports whether the incident has left its active phase. Severity
// changes are rejected once settled.
func IsSettled(status string) bool {
	return status == StatusResolved || status == StatusClosed
}
