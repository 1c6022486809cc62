package escalation

import (
	"math"
	"strconv"
	"strings"
	"time"

	"vigil-ims/core/store"
)

// Specificity weights per matched dimension. Asset outranks area outranks
// severity so that the most targeted policy wins; a matched time window adds
// one more point on top.
const (
	weightSeverity   = 1
	weightArea       = 2
	weightAsset      = 4
	weightTimeWindow = 1
)

// MatchInput is the incident snapshot the selector scores policies against.
type MatchInput struct {
	Severity   string
	AreaID     string
	AssetTypes []string
	Now        time.Time
	Location   *time.Location
}

// SelectPolicy picks the single best policy for the input, or nil when none
// match. Ranking is by specificity score, then ascending priority (missing
// priority sorts last), then insertion order of the slice.
func SelectPolicy(policies []store.EscalationPolicy, in MatchInput) *store.EscalationPolicy {
	var best *store.EscalationPolicy
	bestScore := -1
	bestPriority := math.Inf(1)
	for i := range policies {
		p := &policies[i]
		score, ok := scorePolicy(p.Conditions, in)
		if !ok {
			continue
		}
		priority := effectivePriority(p.Priority)
		if score > bestScore || (score == bestScore && priority < bestPriority) {
			best = p
			bestScore = score
			bestPriority = priority
		}
	}
	return best
}

// scorePolicy reports whether every constrained dimension is satisfied and,
// if so, the policy's specificity score. An unconstrained dimension always
// satisfies but contributes nothing.
func scorePolicy(c store.PolicyConditions, in MatchInput) (int, bool) {
	score := 0
	if c.SeverityConstrained() {
		if !containsFold(c.Severities, in.Severity) {
			return 0, false
		}
		score += weightSeverity
	}
	if c.AreaConstrained() {
		if !containsFold(c.AreaIDs, in.AreaID) {
			return 0, false
		}
		score += weightArea
	}
	if c.AssetConstrained() {
		if !intersects(c.AssetTypes, in.AssetTypes) {
			return 0, false
		}
		score += weightAsset
	}
	if c.TimeConstrained() {
		if !anyWindowMatches(c.TimeWindows, in.Now, in.Location) {
			return 0, false
		}
		score += weightTimeWindow
	}
	return score, true
}

func effectivePriority(p *float64) float64 {
	if p == nil || math.IsNaN(*p) {
		return math.Inf(1)
	}
	return *p
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if containsFold(b, x) {
			return true
		}
	}
	return false
}

func anyWindowMatches(windows []string, now time.Time, loc *time.Location) bool {
	for _, w := range windows {
		if windowMatches(w, now, loc) {
			return true
		}
	}
	return false
}

// windowMatches evaluates one "HH:MM-HH:MM" window against the local wall
// clock. Equal start and end means the whole day; start after end wraps past
// midnight. Malformed windows never match.
func windowMatches(window string, now time.Time, loc *time.Location) bool {
	parts := strings.SplitN(strings.TrimSpace(window), "-", 2)
	if len(parts) != 2 {
		return false
	}
	startMin, ok1 := parseMinutes(parts[0])
	endMin, ok2 := parseMinutes(parts[1])
	if !ok1 || !ok2 {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	current := now.In(loc)
	curMin := current.Hour()*60 + current.Minute()
	if startMin == endMin {
		return true
	}
	if startMin < endMin {
		return curMin >= startMin && curMin < endMin
	}
	return curMin >= startMin || curMin < endMin
}

func parseMinutes(v string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, false
	}
	hh, errH := strconv.Atoi(parts[0])
	mm, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}
