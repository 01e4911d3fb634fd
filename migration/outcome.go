package migration

import (
	"fmt"
	"time"
)

// Outcome classifies what a run did with one migration.
type Outcome int

const (
	// OutcomeApplied means this process ran the migration and recorded it.
	OutcomeApplied Outcome = iota + 1
	// OutcomeAlreadyApplied means a completion record existed before any
	// lock was touched.
	OutcomeAlreadyApplied
	// OutcomeAppliedByPeer means the record appeared while acquiring the lock.
	OutcomeAppliedByPeer
	// OutcomeLockBusy means another process holds a fresh lock.
	OutcomeLockBusy
	// OutcomeFailed means the attempt failed; Result.Err says why.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAlreadyApplied:
		return "already_applied"
	case OutcomeAppliedByPeer:
		return "applied_by_peer"
	case OutcomeLockBusy:
		return "lock_busy"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Complete reports whether the migration is known to be recorded.
func (o Outcome) Complete() bool {
	return o == OutcomeApplied || o == OutcomeAlreadyApplied || o == OutcomeAppliedByPeer
}

// Result describes one migration within a run.
type Result struct {
	ID       string
	Outcome  Outcome
	Duration time.Duration
	// Err is an *ApplyError when Outcome is OutcomeFailed.
	Err          error
	TookOverLock bool
	// LockHolder names the other process when Outcome is OutcomeLockBusy.
	LockHolder string
}

// Report lists the result of every registered migration in registry order.
type Report struct {
	Started  time.Time
	Finished time.Time
	Results  []Result
}

// Failed returns the results whose outcome is OutcomeFailed.
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	return out
}

// Count returns how many results have the given outcome.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}
