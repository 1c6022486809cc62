package escalation

import (
	"fmt"
	"strings"
	"time"

	"vigil-ims/core/store"
	"vigil-ims/core/utils"
)

// buildStepMessage renders the chat text for one escalation step. Plain
// lines, no markup: every chat platform renders them the same way.
func buildStepMessage(inc *store.Incident, state *store.IncidentCurrentState, step *store.EscalationPolicyStep, facilityName string) string {
	lines := []string{
		fmt.Sprintf("Incident escalation (step %d)", step.StepOrder),
		strings.TrimSpace(inc.Title),
	}
	if state != nil {
		lines = append(lines, fmt.Sprintf("Severity: %s", state.Severity))
		lines = append(lines, fmt.Sprintf("Status: %s", state.Status))
	}
	if strings.TrimSpace(facilityName) != "" {
		lines = append(lines, fmt.Sprintf("Facility: %s", facilityName))
	}
	lines = append(lines, fmt.Sprintf("Incident: %s", inc.ID))
	if strings.TrimSpace(inc.ChannelRef) != "" {
		lines = append(lines, fmt.Sprintf("Channel: %s", inc.ChannelRef))
	}
	lines = append(lines, fmt.Sprintf("Open for %s", elapsedSince(inc.DeclaredAt)))
	if step.IfUnacked {
		lines = append(lines, "", "Reply with an acknowledgment to stop further escalation.")
	}
	return strings.Join(lines, "\n")
}

func elapsedSince(declaredAt time.Time) string {
	elapsed := utils.NowUTC().Sub(declaredAt.UTC())
	if elapsed < time.Minute {
		return "less than a minute"
	}
	elapsed = elapsed.Round(time.Minute)
	hours := int(elapsed / time.Hour)
	minutes := int(elapsed % time.Hour / time.Minute)
	if hours == 0 {
		return fmt.Sprintf("%dm", minutes)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
