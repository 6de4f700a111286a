// Package router wires the state backend, latency tracker, exhaustion
// predictor, scorer, circuit breaker, and provider registry into the
// per-request routing pipeline: estimate tokens, resolve an ordered
// candidate list, walk it with a circuit-breaker guard in front of every
// adapter call, and fall back on retriable failures.
package router

import (
	"time"

	"github.com/havenline/routecore/estimator"
	"github.com/havenline/routecore/scoring"
)

// Request is the input to a single Chat or Stream call.
type Request struct {
	// Messages is the ordered conversation the selected adapter receives
	// verbatim.
	Messages []estimator.Message
	// MaxTokens, if non-zero, is both forwarded to the adapter and folded
	// into the pre-flight token estimate.
	MaxTokens int
	// Temperature is forwarded to the adapter unmodified.
	Temperature float64
	// Priority selects the scoring weight profile and whether an at-risk
	// provider is dropped from consideration. Defaults to PriorityNormal.
	Priority scoring.Priority
	// SessionID, when set, is consulted for an existing provider binding
	// before falling back to scoring, and is bound to the serving provider
	// on a first successful call.
	SessionID string
	// ForceProvider, when set and registered, is tried first; fallback to
	// the scored candidate list still applies if it fails.
	ForceProvider string
	// Extra carries adapter-specific passthrough options verbatim.
	Extra map[string]any
}

// Response is the result of a successful Chat call.
type Response struct {
	Content      string
	Provider     string
	Model        string
	LatencyMS    float64
	Attempts     int
	InputTokens  int
	OutputTokens int
}

// RouteEvent is emitted once per completed attempt sequence, success or
// failure, via the on_route callback.
type RouteEvent struct {
	Provider  string
	LatencyMS float64
	Attempts  int
	Priority  scoring.Priority
	SessionID string
	Success   bool
	ErrorKind string
}

// ProviderStatus is one entry of the Status() snapshot. The JSON tags
// are the shape the gateway's status endpoint serves.
type ProviderStatus struct {
	Name         string  `json:"name"`
	RPMUsed      int     `json:"rpm_used"`
	RPMLimit     int     `json:"rpm_limit"`
	TPMUsed      int     `json:"tpm_used"`
	TPMLimit     int     `json:"tpm_limit"`
	HeadroomPct  float64 `json:"headroom_pct"`
	CircuitOpen  bool    `json:"circuit_open"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// defaultWindow is the sliding window width used for usage lookups when a
// Router is not configured with a different one.
const defaultWindow = 60 * time.Second

// defaultSessionTTL is how long a session-to-provider binding lives when a
// Router is not configured with a different one.
const defaultSessionTTL = time.Hour
