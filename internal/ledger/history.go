package ledger

import "time"

// Summary is the analyzer's verdict for one completed iteration.
type Summary struct {
	Iteration   int
	Discoveries int
	Metrics     map[string]float64
	RecordedAt  time.Time
}

// History is the append-only sequence of iteration summaries.
type History []Summary

// Append returns the history with s added at the end.
func (h History) Append(s Summary) History {
	out := make(History, len(h), len(h)+1)
	copy(out, h)
	return append(out, s)
}

// Len returns the number of summaries.
func (h History) Len() int {
	return len(h)
}

// Last returns the most recent summary.
func (h History) Last() (Summary, bool) {
	if len(h) == 0 {
		return Summary{}, false
	}
	return h[len(h)-1], true
}

// Trailing sums the discovery counts of the last n summaries. Shorter
// histories sum what they have.
func (h History) Trailing(n int) int {
	if n <= 0 {
		return 0
	}
	start := len(h) - n
	if start < 0 {
		start = 0
	}
	total := 0
	for _, s := range h[start:] {
		total += s.Discoveries
	}
	return total
}

// TotalDiscoveries sums every summary's discovery count.
func (h History) TotalDiscoveries() int {
	return h.Trailing(len(h))
}
