// Package limiter implements sliding-window admission control for simulated
// deployments.
//
// A Window combines a request-count constraint and a token-sum constraint,
// each evaluated over its own trailing interval. Window history lives in a
// Store, either in process memory or in redis for simulators that share
// capacity across instances.
package limiter

import (
	"math"
	"time"
)

// Retry reasons reported on rejection.
const (
	ReasonRequests = "requests"
	ReasonTokens   = "tokens"
)

// Window describes the constraints applied to one key. A zero limit leaves
// that dimension unconstrained.
type Window struct {
	RequestLimit  int
	RequestWindow time.Duration
	TokenLimit    int
	TokenWindow   time.Duration
}

// Entry is one admitted request.
type Entry struct {
	At   time.Time
	Cost int
}

// Result is the outcome of an admission attempt.
type Result struct {
	Admitted bool

	// Remaining capacity after admission. Only meaningful when Admitted and
	// the dimension is constrained.
	RemainingRequests int
	RemainingTokens   int

	// RetryAfter is the whole number of seconds after which an identical
	// request would be admitted, absent other admissions.
	RetryAfter int
	Reason     string
}

// Horizon is the longest interval any constraint looks back over. Entries
// older than now-Horizon can never affect a decision.
func (w Window) Horizon() time.Duration {
	var h time.Duration
	if w.RequestLimit > 0 {
		h = w.RequestWindow
	}
	if w.TokenLimit > 0 && w.TokenWindow > h {
		h = w.TokenWindow
	}
	return h
}

// Unconstrained reports whether the window admits everything.
func (w Window) Unconstrained() bool {
	return w.RequestLimit <= 0 && w.TokenLimit <= 0
}

// purge returns the suffix of entries still inside the horizon. Entries must
// be ordered by At.
func (w Window) purge(entries []Entry, now time.Time) []Entry {
	cutoff := now.Add(-w.Horizon())
	i := 0
	for i < len(entries) && !entries[i].At.After(cutoff) {
		i++
	}
	return entries[i:]
}

// evaluate decides admission of a request costing cost at now against
// entries, which must be purged and ordered by At.
//
// Entries are walked newest first, counting the candidate itself. The first
// entry at which a dimension goes over its limit is the blocker: once it
// leaves its window, everything still counted fits alongside the candidate.
func (w Window) evaluate(entries []Entry, now time.Time, cost int) Result {
	requestCutoff := now.Add(-w.RequestWindow)
	tokenCutoff := now.Add(-w.TokenWindow)

	requests := 1
	tokens := cost
	var requestsFullAt, tokensFullAt time.Time
	requestsFull := w.RequestLimit > 0 && requests > w.RequestLimit
	tokensFull := w.TokenLimit > 0 && tokens > w.TokenLimit
	candidateSaturates := tokensFull

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if w.RequestLimit > 0 && e.At.After(requestCutoff) {
			requests++
			if requests > w.RequestLimit && !requestsFull {
				requestsFull = true
				requestsFullAt = e.At
			}
		}
		if w.TokenLimit > 0 && e.At.After(tokenCutoff) {
			tokens += e.Cost
			if tokens > w.TokenLimit && !tokensFull {
				tokensFull = true
				tokensFullAt = e.At
			}
		}
	}

	if candidateSaturates {
		// Nothing in the window was marked, so the oldest counted entry
		// blocks. An empty window blocks for a whole interval.
		tokensFullAt = now
		for _, e := range entries {
			if e.At.After(tokenCutoff) {
				tokensFullAt = e.At
				break
			}
		}
	}

	if !requestsFull && !tokensFull {
		res := Result{Admitted: true}
		if w.RequestLimit > 0 {
			res.RemainingRequests = w.RequestLimit - requests
		}
		if w.TokenLimit > 0 {
			res.RemainingTokens = w.TokenLimit - tokens
		}
		return res
	}

	var waitRequests, waitTokens time.Duration
	if requestsFull {
		waitRequests = w.RequestWindow - now.Sub(requestsFullAt)
	}
	if tokensFull {
		waitTokens = w.TokenWindow - now.Sub(tokensFullAt)
	}

	res := Result{Reason: ReasonRequests}
	wait := waitRequests
	if tokensFull && (!requestsFull || waitTokens > waitRequests) {
		res.Reason = ReasonTokens
		wait = waitTokens
	}
	res.RetryAfter = int(math.Ceil(wait.Seconds()))
	if res.RetryAfter < 1 {
		res.RetryAfter = 1
	}
	return res
}

// insert adds e keeping entries ordered by At.
func insert(entries []Entry, e Entry) []Entry {
	i := len(entries)
	for i > 0 && entries[i-1].At.After(e.At) {
		i--
	}
	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	return entries
}
