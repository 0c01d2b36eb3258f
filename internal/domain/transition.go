package domain

import "time"

var transitions = map[Status][]Status{
	StatusQueued:     {StatusSubmitting, StatusFailed},
	StatusSubmitting: {StatusSubmitted, StatusFailed, StatusQueued},
	StatusSubmitted:  {StatusRunning, StatusSaving, StatusSucceeded, StatusFailed, StatusQueued},
	StatusRunning:    {StatusSaving, StatusSucceeded, StatusFailed},
	StatusSaving:     {StatusSucceeded, StatusFailed},
}

// resetOnly edges are reachable only through the admin reset.
var resetOnly = map[Status]bool{
	StatusRunning: true,
	StatusSaving:  true,
	StatusFailed:  true,
}

// CanTransition reports whether from -> to is a regular edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanReset reports whether the admin reset may move the job back to queued.
func CanReset(j *Job) bool {
	switch {
	case j.Status == StatusFailed:
		return j.Resettable()
	case resetOnly[j.Status]:
		return true
	default:
		return j.Status == StatusSubmitting || j.Status == StatusSubmitted
	}
}

// IsTerminal reports whether s is succeeded or failed.
func IsTerminal(s Status) bool {
	return s == StatusSucceeded || s == StatusFailed
}

// PublicStatus projects the internal claim pre-state onto the public vocabulary.
func PublicStatus(s Status) Status {
	if s == StatusSubmitting {
		return StatusSubmitted
	}
	return s
}

// StatusesFor expands a public status into the internal statuses it covers.
func StatusesFor(public Status) []Status {
	if public == StatusSubmitted {
		return []Status{StatusSubmitting, StatusSubmitted}
	}
	return []Status{public}
}

// TransitionFields are the auxiliary fields written alongside a status change.
// Zero values leave the stored field untouched unless a Clear/Reset flag says otherwise.
type TransitionFields struct {
	ProviderRequestID string
	Error             string
	FailureKind       FailureKind
	OutputPaths       []string
	NextAttemptAt     time.Time
	IncrementAttempts bool

	// ClearProviderRequest drops the provider id, used on requeue
	ClearProviderRequest bool

	// AdminReset unlocks the reset-only edges and zeroes the attempt counter
	AdminReset bool
}

// Apply validates the move and mutates j in place.
func (f TransitionFields) Apply(j *Job, to Status, now time.Time) error {
	if f.AdminReset {
		if to != StatusQueued || !CanReset(j) {
			return ErrInvalidTransition
		}
	} else if !CanTransition(j.Status, to) {
		return ErrInvalidTransition
	}

	j.Status = to
	j.UpdatedAt = now

	if f.ProviderRequestID != "" {
		j.ProviderRequestID = f.ProviderRequestID
	}
	if f.ClearProviderRequest || f.AdminReset {
		j.ProviderRequestID = ""
	}
	if len(f.OutputPaths) > 0 {
		j.OutputPaths = append([]string(nil), f.OutputPaths...)
	}
	if f.IncrementAttempts {
		j.Attempts++
	}
	j.NextAttemptAt = f.NextAttemptAt

	if to == StatusFailed {
		j.Error = f.Error
		j.FailureKind = f.FailureKind
	} else {
		j.Error = ""
		j.FailureKind = FailureNone
	}

	if f.AdminReset {
		j.Attempts = 0
		j.NextAttemptAt = time.Time{}
		j.OutputPaths = nil
	}
	return nil
}
