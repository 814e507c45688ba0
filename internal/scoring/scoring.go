// Package scoring computes the composite risk score and severity tier for
// an indicator. Both functions are pure: no I/O, no randomness, and the
// same inputs always yield the same outputs.
package scoring

import (
	"time"

	"github.com/pentoshi007/vortex/internal/ioc"
)

// Score contributions, capped at 100 overall.
const (
	maxScore          = 100
	perSourcePoints   = 10
	maxSourcePoints   = 30
	maxVTPoints       = 30
	recencyDayPoints  = 20 // seen within 24h
	recencyWeekPoints = 15 // seen within 7d
	recencyMonth      = 10 // seen within 30d
)

// Compute returns the composite 0-100 risk score for the given state.
// Score must never be stored without re-deriving severity via SeverityFor
// in the same mutation.
func Compute(sources []ioc.Source, lastSeen time.Time, vt *ioc.VTResult, abuse *ioc.AbuseIPDBResult) int {
	return ComputeAt(time.Now(), sources, lastSeen, vt, abuse)
}

// ComputeAt is Compute with an explicit reference time, for deterministic
// recency evaluation.
func ComputeAt(now time.Time, sources []ioc.Source, lastSeen time.Time, vt *ioc.VTResult, abuse *ioc.AbuseIPDBResult) int {
	score := 0

	sourceScore := len(sources) * perSourcePoints
	if sourceScore > maxSourcePoints {
		sourceScore = maxSourcePoints
	}
	score += sourceScore

	if !lastSeen.IsZero() {
		hoursAgo := now.Sub(lastSeen).Hours()
		switch {
		case hoursAgo < 24:
			score += recencyDayPoints
		case hoursAgo < 168:
			score += recencyWeekPoints
		case hoursAgo < 720:
			score += recencyMonth
		}
	}

	if vt != nil && vt.Total > 0 {
		score += int(float64(vt.Positives) / float64(vt.Total) * maxVTPoints)
	}

	if abuse != nil {
		switch c := abuse.AbuseConfidence; {
		case c >= 90:
			score += 20
		case c >= 75:
			score += 15
		case c >= 50:
			score += 10
		case c >= 25:
			score += 5
		case c > 0:
			score += 2
		}
	}

	if score > maxScore {
		score = maxScore
	}
	return score
}

// SeverityFor maps a score onto its severity tier.
func SeverityFor(score int) ioc.Severity {
	switch {
	case score >= 85:
		return ioc.SeverityCritical
	case score >= 70:
		return ioc.SeverityHigh
	case score >= 50:
		return ioc.SeverityMedium
	case score >= 25:
		return ioc.SeverityLow
	default:
		return ioc.SeverityInfo
	}
}

// Apply recomputes and stores score and severity on the indicator in one
// step. Call sites that mutate sources, recency or enrichment data must go
// through here rather than setting either field by hand.
func Apply(ind *ioc.Indicator, now time.Time) {
	ind.Score = ComputeAt(now, ind.Sources, ind.LastSeen, ind.VT, ind.AbuseIPDB)
	ind.Severity = SeverityFor(ind.Score)
}
