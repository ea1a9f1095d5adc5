// Package selector decides which instances a cleanup run reclaims.
//
// Selection is a pure function of the inventory snapshot, the retention
// policy and the injected clock, so the same inputs always give the same
// batch.
package selector

import (
	"time"

	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// Verdict explains why an instance was or was not selected.
type Verdict string

const (
	VerdictSelected   Verdict = "selected"
	VerdictNotRunning Verdict = "not-running"
	VerdictSpot       Verdict = "spot"
	VerdictExempt     Verdict = "exempt"
	VerdictTooYoung   Verdict = "too-young"
)

// Decision is the verdict for one instance.
type Decision struct {
	Instance   fleet.Instance `json:"instance"`
	Verdict    Verdict        `json:"verdict"`
	UptimeDays int            `json:"uptime_days"`
}

// Selected reports whether the instance goes into the batch.
func (d Decision) Selected() bool {
	return d.Verdict == VerdictSelected
}

// Evaluate applies the policy to a single instance. Exclusions are checked
// before age so the verdict names the first rule that rejected it.
func Evaluate(inst fleet.Instance, policy fleet.RetentionPolicy, now time.Time) Verdict {
	switch {
	case inst.State != fleet.StateRunning:
		return VerdictNotRunning
	case inst.IsSpot():
		return VerdictSpot
	case inst.HasTag(policy.ExemptTag):
		return VerdictExempt
	case inst.UptimeDays(now) <= policy.UptimeThresholdDays:
		return VerdictTooYoung
	}
	return VerdictSelected
}

// Explain returns one decision per instance, in inventory order.
func Explain(instances []fleet.Instance, policy fleet.RetentionPolicy, now time.Time) []Decision {
	decisions := make([]Decision, 0, len(instances))
	for _, inst := range instances {
		decisions = append(decisions, Decision{
			Instance:   inst,
			Verdict:    Evaluate(inst, policy, now),
			UptimeDays: inst.UptimeDays(now),
		})
	}
	return decisions
}

// Select returns the ids of the instances to reap, in inventory order.
func Select(instances []fleet.Instance, policy fleet.RetentionPolicy, now time.Time) []string {
	return Batch(Explain(instances, policy, now))
}

// Batch extracts the selected ids from a set of decisions.
func Batch(decisions []Decision) []string {
	ids := make([]string, 0)
	for _, d := range decisions {
		if d.Selected() {
			ids = append(ids, d.Instance.ID)
		}
	}
	return ids
}

// Count tallies decisions by verdict.
func Count(decisions []Decision) map[Verdict]int {
	counts := make(map[Verdict]int)
	for _, d := range decisions {
		counts[d.Verdict]++
	}
	return counts
}
