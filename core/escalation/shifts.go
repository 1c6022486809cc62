package escalation

import (
	"strings"
	"time"

	"vigil-ims/core/store"
)

var weekdayKeys = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

// IsTeamActiveAt reports whether the team is on shift at the given instant.
// Shift windows are evaluated on the team's own wall clock: only the current
// day's windows count, and a day with no windows is off shift. A team with no
// schedule at all is always on shift. A window whose end precedes its start
// wraps past midnight and matches both sides of the same day, so
// "22:00-06:00" covers that day's late evening and its early morning.
func IsTeamActiveAt(team store.Team, now time.Time) bool {
	if len(team.ShiftInfo) == 0 {
		return true
	}
	loc := time.UTC
	if tz := strings.TrimSpace(team.Timezone); tz != "" {
		if parsed, err := time.LoadLocation(tz); err == nil {
			loc = parsed
		}
	}
	local := now.In(loc)
	curMin := local.Hour()*60 + local.Minute()
	for _, w := range team.ShiftInfo[weekdayKeys[local.Weekday()]] {
		startMin, endMin, ok := parseWindow(w)
		if !ok {
			continue
		}
		if startMin == endMin {
			return true
		}
		if startMin < endMin {
			if curMin >= startMin && curMin < endMin {
				return true
			}
			continue
		}
		if curMin >= startMin || curMin < endMin {
			return true
		}
	}
	return false
}

func parseWindow(window string) (int, int, bool) {
	parts := strings.SplitN(strings.TrimSpace(window), "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	startMin, ok1 := parseMinutes(parts[0])
	endMin, ok2 := parseMinutes(parts[1])
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return startMin, endMin, true
}

// PartitionTeamsByActivity splits teams into on-shift and off-shift at the
// given instant.
func PartitionTeamsByActivity(teams []store.Team, now time.Time) (active, inactive []store.Team) {
	for _, t := range teams {
		if IsTeamActiveAt(t, now) {
			active = append(active, t)
		} else {
			inactive = append(inactive, t)
		}
	}
	return active, inactive
}
