// Package stopping decides when a campaign should halt. Conditions are
// evaluated in a fixed order: candidate exhaustion, then the trailing
// no-discovery heuristic, then an empty suggestion set from the agent.
package stopping

import "github.com/kingrea/campaign-loop/internal/ledger"

// DefaultWindow is the number of trailing history entries the heuristic sums.
const DefaultWindow = 3

// Reason names why a campaign stopped.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonExhausted     Reason = "exhausted"
	ReasonNoDiscovery   Reason = "no_discovery"
	ReasonNoSuggestions Reason = "no_suggestions"
)

// Stops reports whether r is a terminal reason.
func (r Reason) Stops() bool {
	return r != ReasonNone
}

func (r Reason) String() string {
	if r == ReasonNone {
		return "none"
	}
	return string(r)
}

// Policy holds the configurable stopping thresholds.
type Policy struct {
	// Threshold enables the heuristic stopper once the iteration counter
	// exceeds it. Nil disables the heuristic.
	Threshold *int
	// Window is the trailing history length summed by the heuristic.
	Window int
}

// New returns a policy with the default window. threshold < 0 disables the
// heuristic stopper.
func New(threshold int) Policy {
	p := Policy{Window: DefaultWindow}
	if threshold >= 0 {
		t := threshold
		p.Threshold = &t
	}
	return p
}

// Disabled returns a policy that only stops on exhaustion or empty suggestions.
func Disabled() Policy {
	return Policy{Window: DefaultWindow}
}

// Evaluate checks candidate exhaustion and then the heuristic stopper.
func (p Policy) Evaluate(iteration int, candidates ledger.Dataset, history ledger.History) Reason {
	if candidates.IsEmpty() {
		return ReasonExhausted
	}
	if p.heuristicActive(iteration) && history.Trailing(p.window()) == 0 {
		return ReasonNoDiscovery
	}
	return ReasonNone
}

// Suggestions checks the agent's hypothesis count.
func (p Policy) Suggestions(n int) Reason {
	if n == 0 {
		return ReasonNoSuggestions
	}
	return ReasonNone
}

func (p Policy) heuristicActive(iteration int) bool {
	return p.Threshold != nil && iteration > *p.Threshold
}

func (p Policy) window() int {
	if p.Window <= 0 {
		return DefaultWindow
	}
	return p.Window
}
