package outbox

import "time"

// legalTransitions lists the transitions the automatic claim/forward/outcome
// pipeline may perform. Redrive is an administrative action and is not part
// of this table.
var legalTransitions = map[Status][]Status{
	StatusPending: {StatusClaimed, StatusPending, StatusDead},
	StatusClaimed: {StatusSending, StatusPending, StatusSent, StatusDead},
	StatusSending: {StatusSent, StatusDead},
}

// CanTransition reports whether moving an entry from one status to another is
// legal within the automatic pipeline.
func CanTransition(from Status, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsEligibleForClaim reports whether an entry can be claimed at the given
// instant. A claimed entry whose lease already expired counts as unclaimed
// regardless of who claimed it. Terminal statuses are never eligible.
func IsEligibleForClaim(e *Entry, now time.Time) bool {
	if e.Status != StatusPending && e.Status != StatusClaimed {
		return false
	}
	if e.NextAttemptAt.After(now) {
		return false
	}
	if e.Status == StatusClaimed {
		return e.LeaseExpiresAt != nil && e.LeaseExpiresAt.Before(now)
	}
	return true
}

// PrepareForRetry records a failed delivery attempt on the entry. The attempt
// counter is incremented; when it reaches maxAttempts the entry goes to dead
// with the dlq reason stamped, otherwise it goes back to pending with the
// next attempt scheduled by the backoff calculator. Lease fields are cleared
// in both branches.
func PrepareForRetry(e *Entry, errorCode string, errorMessage string, maxAttempts int, baseSeconds int, capSeconds int, now time.Time) {
	e.AttemptCount++
	e.LastErrorCode = errorCode
	e.LastErrorMessage = errorMessage
	clearLease(e)

	if e.AttemptCount >= maxAttempts {
		e.Status = StatusDead
		failedAt := now
		e.FailedAt = &failedAt
		e.DlqReason = DlqReasonMaxAttempts
		return
	}

	e.Status = StatusPending
	e.NextAttemptAt = NextAttemptAt(now, e.AttemptCount, baseSeconds, capSeconds)
}

// MarkAsAcked transitions the entry to sent, clearing lease and error fields.
func MarkAsAcked(e *Entry) {
	e.Status = StatusSent
	e.LastErrorCode = ""
	e.LastErrorMessage = ""
	e.FailedAt = nil
	clearLease(e)
}

func clearLease(e *Entry) {
	e.ClaimedBy = ""
	e.ClaimedAt = nil
	e.LeaseExpiresAt = nil
}
