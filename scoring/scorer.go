// Package scoring ranks eligible providers for a single request. It is a
// pure, stateless function: identical inputs always produce identical
// output, including tie-break order.
package scoring

import "sort"

// Priority controls which weight profile applies and whether an at-risk
// provider is dropped.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weights must sum to 1.0 for any profile the router accepts.
type Weights struct {
	Capacity float64
	Latency  float64
	Static   float64
}

// DefaultWeights returns the router's documented per-priority profiles.
func DefaultWeights() map[Priority]Weights {
	return map[Priority]Weights{
		PriorityHigh:   {Capacity: 0.5, Latency: 0.4, Static: 0.1},
		PriorityNormal: {Capacity: 0.5, Latency: 0.3, Static: 0.2},
		PriorityLow:    {Capacity: 0.3, Latency: 0.1, Static: 0.6},
	}
}

// Candidate is one eligible provider's usage/latency snapshot, gathered
// by the router from the State Backend, Latency Tracker, and Exhaustion
// Predictor before calling Score.
type Candidate struct {
	Name         string
	RPMUsed      int
	RPMLimit     int
	TPMUsed      int
	TPMLimit     int
	LatencyEMAMS float64
	Weight       float64
	AtRisk       bool
	// UsageUnknown marks a provider whose usage could not be fetched
	// (StateBackendUnavailable). Per the error-handling design, it is
	// scored as zero usage only for high priority; for normal/low it is
	// dropped entirely before scoring ever sees it, so this flag is only
	// consulted by the router when priority == high.
	UsageUnknown bool
}

// Scored is one ranked output entry.
type Scored struct {
	Name          string
	Score         float64
	CapacityScore float64
	LatencyScore  float64
	StaticScore   float64
}

// ReserveFraction is the default fraction of a provider's RPM capacity
// reserved for high-priority requests.
const ReserveFraction = 0.2

// Options configures a single scoring call beyond the request's priority.
type Options struct {
	Weights         map[Priority]Weights
	ReserveFraction float64
}

// DefaultOptions returns the router's documented defaults.
func DefaultOptions() Options {
	return Options{Weights: DefaultWeights(), ReserveFraction: ReserveFraction}
}

// Score ranks eligible candidates for a request, highest score first.
// estimatedTokens is the pre-flight token estimate for this specific
// call, added to each candidate's TPM usage before computing headroom.
func Score(candidates []Candidate, priority Priority, estimatedTokens int, opts Options) []Scored {
	weights := opts.Weights
	if weights == nil {
		weights = DefaultWeights()
	}
	w, ok := weights[priority]
	if !ok {
		w = weights[PriorityNormal]
	}
	reserve := opts.ReserveFraction
	if reserve <= 0 {
		reserve = ReserveFraction
	}

	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		if priority != PriorityHigh && c.AtRisk {
			continue
		}

		effectiveRPMLimit := c.RPMLimit
		if priority != PriorityHigh && reserve > 0 {
			reserved := float64(c.RPMLimit) * (1 - reserve)
			if float64(c.RPMUsed) > reserved {
				effectiveRPMLimit = int(reserved)
			}
		}

		rpmHeadroom := headroom(c.RPMUsed, effectiveRPMLimit)
		tpmHeadroom := headroom(c.TPMUsed+estimatedTokens, c.TPMLimit)
		capacityScore := min(rpmHeadroom, tpmHeadroom)

		if capacityScore == 0 {
			continue
		}

		latencyScore := 1 - c.LatencyEMAMS/3000
		if latencyScore < 0 {
			latencyScore = 0
		}

		staticScore := c.Weight

		total := w.Capacity*capacityScore + w.Latency*latencyScore + w.Static*staticScore

		out = append(out, Scored{
			Name:          c.Name,
			Score:         total,
			CapacityScore: capacityScore,
			LatencyScore:  latencyScore,
			StaticScore:   staticScore,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].StaticScore != out[j].StaticScore {
			return out[i].StaticScore > out[j].StaticScore
		}
		return out[i].Name < out[j].Name
	})

	return out
}

func headroom(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	h := 1 - float64(used)/float64(limit)
	if h < 0 {
		return 0
	}
	return h
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
