package repository

import (
	"context"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/outbox"
)

// Summary aggregates the current state of the outbox for health reporting
// and alerting.
type Summary struct {
	CountsByStatus          map[outbox.Status]int64 `json:"countsByStatus"`
	DlqTotal                int64                   `json:"dlqTotal"`
	OldestPendingAgeSeconds *float64                `json:"oldestPendingAgeSeconds"`
}

// RedriveRequest selects which dead-letter entries to resurrect. When All is
// set the Ids list is ignored and every non-redriven entry is targeted.
type RedriveRequest struct {
	Ids    []int64
	All    bool
	Reason string
}

// Repository manages outbox entries persistent operations. Every mutating
// operation is scoped to a single transaction; operations that take row-level
// locks use a non-blocking mode that skips rows locked by concurrent callers,
// which is what makes multi-replica operation safe without an external
// coordinator.
type Repository interface {

	// Save persists a new outbox entry in pending state. Production entries
	// are inserted by the edge ingestion pipelines; this operation exists so
	// the repository round-trips on its own.
	Save(ctx context.Context, e *outbox.Entry) error

	// ClaimBatch atomically selects up to limit eligible entries (pending and
	// due, or claimed with an expired lease), ordered by priority descending
	// then event recency ascending, and flips them to claimed with a lease of
	// leaseSeconds held by workerId. Rows locked by a concurrent claim are
	// skipped, never waited on: two concurrent callers never receive the same
	// entry.
	ClaimBatch(ctx context.Context, limit int, leaseSeconds int, workerId string) ([]*outbox.Entry, error)

	// MarkSent flips an entry to sent and clears its lease and error fields.
	// The operation is idempotent.
	MarkSent(ctx context.Context, id int64) error

	// MarkFailed writes back the retry state computed by the state machine.
	// The update only applies while the entry is still claimed by workerId;
	// when the lease was already reclaimed elsewhere the call reports
	// applied=false and changes nothing.
	MarkFailed(ctx context.Context, id int64, workerId string, attemptCount int, nextAttemptAt time.Time, errorCode string, errorMessage string) (applied bool, err error)

	// MarkDead flips an entry to dead and inserts the mirroring dead-letter
	// entry in the same transaction. Guarded by workerId like MarkFailed.
	MarkDead(ctx context.Context, id int64, workerId string, attemptCount int, errorCode string, errorMessage string) (applied bool, err error)

	// RedriveDlq resets the outbox entries behind the selected dead-letter
	// entries to pending with a zeroed attempt counter and stamps the
	// dead-letter rows as redriven. Rows locked by concurrent callers are
	// skipped. Returns the number of redriven entries.
	RedriveDlq(ctx context.Context, req RedriveRequest) (int64, error)

	// UnclaimStuck rescues claimed entries whose lease expired more than
	// olderThanSeconds ago, resetting them to pending. Defensive sweep for
	// workers that crashed before writing any outcome.
	UnclaimStuck(ctx context.Context, olderThanSeconds int) (int64, error)

	// StateSummary returns counts by status, the dead-letter total and the
	// age of the oldest pending entry.
	StateSummary(ctx context.Context) (*Summary, error)

	// ListEntries returns up to limit entries, newest first, optionally
	// filtered by status (empty status means all).
	ListEntries(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error)

	// ListDlq returns up to limit dead-letter entries, newest first.
	ListDlq(ctx context.Context, limit int) ([]*outbox.DeadLetterEntry, error)
}
