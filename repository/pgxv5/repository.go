package pgxv5

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/logger"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/outbox"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const entryColumns = "id, tenant_id, event_type, payload, farm_id, barn_id, device_id, session_id, " +
	"priority, status, attempt_count, next_attempt_at, occurred_at, created_at, " +
	"claimed_by, claimed_at, lease_expires_at, last_error_code, last_error_msg, " +
	"failed_at, dlq_reason, redriven_at"

const dlqColumns = "id, original_outbox_id, tenant_id, event_type, payload, attempts, " +
	"last_error_code, last_error_msg, first_seen_at, dead_at, redriven_at, redrive_reason"

const (
	insertEntrySql = "INSERT INTO outbox (tenant_id, event_type, payload, farm_id, barn_id, device_id, session_id, priority, status, next_attempt_at, occurred_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', $9, $10) RETURNING id, created_at"

	claimBatchSql = "UPDATE outbox SET status='claimed', claimed_by=$1, claimed_at=$2, lease_expires_at=$3 " +
		"WHERE id IN (" +
		"SELECT id FROM outbox " +
		"WHERE status IN ('pending', 'claimed') AND next_attempt_at <= $2 " +
		"AND (status = 'pending' OR lease_expires_at < $2) " +
		"ORDER BY priority DESC, COALESCE(occurred_at, created_at) ASC " +
		"LIMIT $4 FOR UPDATE SKIP LOCKED) " +
		"RETURNING " + entryColumns

	markSentSql = "UPDATE outbox SET status='sent', claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL, " +
		"last_error_code=NULL, last_error_msg=NULL, failed_at=NULL WHERE id=$1 AND status <> 'sent'"

	markFailedSql = "UPDATE outbox SET status='pending', attempt_count=$3, next_attempt_at=$4, " +
		"last_error_code=$5, last_error_msg=$6, claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL " +
		"WHERE id=$1 AND claimed_by=$2"

	markDeadSql = "UPDATE outbox SET status='dead', attempt_count=$3, last_error_code=$4, last_error_msg=$5, " +
		"failed_at=$6, dlq_reason=$7, claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL " +
		"WHERE id=$1 AND claimed_by=$2 RETURNING tenant_id, event_type, payload, created_at"

	insertDlqSql = "INSERT INTO outbox_dlq (original_outbox_id, tenant_id, event_type, payload, attempts, " +
		"last_error_code, last_error_msg, first_seen_at, dead_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)"

	redriveAllSql = "WITH locked AS (" +
		"SELECT d.id AS dlq_id, d.original_outbox_id AS outbox_id FROM outbox_dlq d " +
		"JOIN outbox o ON o.id = d.original_outbox_id " +
		"WHERE d.redriven_at IS NULL FOR UPDATE OF d, o SKIP LOCKED" +
		"), resurrected AS (" +
		"UPDATE outbox o SET status='pending', attempt_count=0, next_attempt_at=$1, " +
		"claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL, last_error_code=NULL, " +
		"last_error_msg=NULL, failed_at=NULL, dlq_reason=NULL, redriven_at=$1 " +
		"FROM locked WHERE o.id = locked.outbox_id RETURNING locked.dlq_id" +
		") UPDATE outbox_dlq d SET redriven_at=$1, redrive_reason=$2 " +
		"FROM resurrected WHERE d.id = resurrected.dlq_id"

	redriveByIdsSql = "WITH locked AS (" +
		"SELECT d.id AS dlq_id, d.original_outbox_id AS outbox_id FROM outbox_dlq d " +
		"JOIN outbox o ON o.id = d.original_outbox_id " +
		"WHERE d.redriven_at IS NULL AND d.id = ANY($3) FOR UPDATE OF d, o SKIP LOCKED" +
		"), resurrected AS (" +
		"UPDATE outbox o SET status='pending', attempt_count=0, next_attempt_at=$1, " +
		"claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL, last_error_code=NULL, " +
		"last_error_msg=NULL, failed_at=NULL, dlq_reason=NULL, redriven_at=$1 " +
		"FROM locked WHERE o.id = locked.outbox_id RETURNING locked.dlq_id" +
		") UPDATE outbox_dlq d SET redriven_at=$1, redrive_reason=$2 " +
		"FROM resurrected WHERE d.id = resurrected.dlq_id"

	unclaimStuckSql = "UPDATE outbox SET status='pending', claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL " +
		"WHERE status='claimed' AND lease_expires_at < $1"

	countByStatusSql   = "SELECT status, COUNT(*) FROM outbox GROUP BY status"
	countDlqSql        = "SELECT COUNT(*) FROM outbox_dlq"
	oldestPendingSql   = "SELECT EXTRACT(EPOCH FROM (NOW() - MIN(created_at)))::float8 FROM outbox WHERE status='pending'"
	listEntriesSql     = "SELECT " + entryColumns + " FROM outbox ORDER BY id DESC LIMIT $1"
	listByStatusSql    = "SELECT " + entryColumns + " FROM outbox WHERE status=$1 ORDER BY id DESC LIMIT $2"
	listDlqEntriesSql  = "SELECT " + dlqColumns + " FROM outbox_dlq ORDER BY dead_at DESC, id DESC LIMIT $1"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Repository struct {
	db     dbpool
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Repository = (*Repository)(nil)

func New(pool dbpool) *Repository {
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		db:     pool,
		logger: &logger.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// Save persists a new outbox entry in pending state.
func (r *Repository) Save(ctx context.Context, e *outbox.Entry) error {
	nextAttemptAt := e.NextAttemptAt
	if nextAttemptAt.IsZero() {
		nextAttemptAt = time.Now()
	}
	row := r.db.QueryRow(ctx, insertEntrySql, e.TenantId, e.EventType,
		[]byte(e.Payload.Bytes()), nullStr(e.FarmId), nullStr(e.BarnId),
		nullStr(e.DeviceId), nullStr(e.SessionId), e.Priority, nextAttemptAt,
		e.OccurredAt)
	if err := row.Scan(&e.Id, &e.CreatedAt); err != nil {
		return fmt.Errorf("could not persist the outbox entry: %w", err)
	}
	e.Status = outbox.StatusPending
	return nil
}

// ClaimBatch atomically flips up to limit eligible entries to claimed on
// behalf of workerId. Rows locked by concurrent claimers are skipped thanks
// to FOR UPDATE SKIP LOCKED, so two workers never receive the same entry.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, leaseSeconds int, workerId string) ([]*outbox.Entry, error) {
	now := time.Now()
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

	rows, err := r.db.Query(ctx, claimBatchSql, workerId, now, leaseExpiresAt, limit)
	if err != nil {
		return nil, fmt.Errorf("could not claim a batch: %w", err)
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		var er entryRow
		if err := er.scan(rows); err != nil {
			return nil, fmt.Errorf("could not scan a claimed entry: %w", err)
		}
		entries = append(entries, er.toEntry())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not guarantee the selection order, so restore it here.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return eventTime(entries[i]).Before(eventTime(entries[j]))
	})

	return entries, nil
}

func eventTime(e *outbox.Entry) time.Time {
	if e.OccurredAt != nil {
		return *e.OccurredAt
	}
	return e.CreatedAt
}

// MarkSent flips an entry to sent. Safe to call more than once.
func (r *Repository) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, markSentSql, id)
	if err != nil {
		return fmt.Errorf("could not mark entry %d as sent: %w", id, err)
	}
	return nil
}

// MarkFailed writes back the retry state. The update is a check-and-skip: it
// only applies while claimed_by still matches workerId.
func (r *Repository) MarkFailed(ctx context.Context, id int64, workerId string, attemptCount int, nextAttemptAt time.Time, errorCode string, errorMessage string) (bool, error) {
	ct, err := r.db.Exec(ctx, markFailedSql, id, workerId, attemptCount, nextAttemptAt, errorCode, errorMessage)
	if err != nil {
		return false, fmt.Errorf("could not mark entry %d as failed: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		r.logger.Warn(fmt.Sprintf("entry %d is no longer claimed by '%s', skipping the retry update", id, workerId))
		return false, nil
	}
	return true, nil
}

// MarkDead flips an entry to dead and inserts the dead-letter mirror within
// the same transaction. Guarded by workerId like MarkFailed.
func (r *Repository) MarkDead(ctx context.Context, id int64, workerId string, attemptCount int, errorCode string, errorMessage string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("could not begin the dead-letter transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	var tenantId, eventType string
	var payload []byte
	var createdAt time.Time
	err = tx.QueryRow(ctx, markDeadSql, id, workerId, attemptCount,
		nullStr(errorCode), nullStr(errorMessage), now, outbox.DlqReasonMaxAttempts).
		Scan(&tenantId, &eventType, &payload, &createdAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			r.logger.Warn(fmt.Sprintf("entry %d is no longer claimed by '%s', skipping the dead-letter update", id, workerId))
			return false, nil
		}
		return false, fmt.Errorf("could not mark entry %d as dead: %w", id, err)
	}

	_, err = tx.Exec(ctx, insertDlqSql, id, tenantId, eventType, payload,
		attemptCount, nullStr(errorCode), nullStr(errorMessage), createdAt, now)
	if err != nil {
		return false, fmt.Errorf("could not insert the dead-letter entry for %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("could not commit the dead-letter transaction: %w", err)
	}
	return true, nil
}

// RedriveDlq resurrects the selected dead-letter entries in one statement:
// the dead-letter rows and their originals are locked with SKIP LOCKED, the
// originals reset to pending with a zeroed attempt counter, and the
// dead-letter rows stamped as redriven.
func (r *Repository) RedriveDlq(ctx context.Context, req repository.RedriveRequest) (int64, error) {
	now := time.Now()
	var ct pgconn.CommandTag
	var err error
	if req.All {
		ct, err = r.db.Exec(ctx, redriveAllSql, now, req.Reason)
	} else {
		if len(req.Ids) == 0 {
			return 0, nil
		}
		ct, err = r.db.Exec(ctx, redriveByIdsSql, now, req.Reason, req.Ids)
	}
	if err != nil {
		return 0, fmt.Errorf("could not redrive dead-letter entries: %w", err)
	}
	return ct.RowsAffected(), nil
}

// UnclaimStuck resets claimed entries whose lease expired more than
// olderThanSeconds ago back to pending.
func (r *Repository) UnclaimStuck(ctx context.Context, olderThanSeconds int) (int64, error) {
	threshold := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	ct, err := r.db.Exec(ctx, unclaimStuckSql, threshold)
	if err != nil {
		return 0, fmt.Errorf("could not unclaim stuck entries: %w", err)
	}
	return ct.RowsAffected(), nil
}

// StateSummary returns counts by status, the dead-letter total and the age
// of the oldest pending entry in seconds.
func (r *Repository) StateSummary(ctx context.Context) (*repository.Summary, error) {
	summary := &repository.Summary{
		CountsByStatus: make(map[outbox.Status]int64),
	}

	rows, err := r.db.Query(ctx, countByStatusSql)
	if err != nil {
		return nil, fmt.Errorf("could not count entries by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		summary.CountsByStatus[outbox.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.db.QueryRow(ctx, countDlqSql).Scan(&summary.DlqTotal); err != nil {
		return nil, fmt.Errorf("could not count dead-letter entries: %w", err)
	}

	var oldest *float64
	if err := r.db.QueryRow(ctx, oldestPendingSql).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("could not compute the oldest pending age: %w", err)
	}
	summary.OldestPendingAgeSeconds = oldest

	return summary, nil
}

// ListEntries returns up to limit entries, newest first, optionally filtered
// by status.
func (r *Repository) ListEntries(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = r.db.Query(ctx, listEntriesSql, limit)
	} else {
		rows, err = r.db.Query(ctx, listByStatusSql, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("could not list outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []*outbox.Entry
	for rows.Next() {
		var er entryRow
		if err := er.scan(rows); err != nil {
			return nil, err
		}
		entries = append(entries, er.toEntry())
	}
	return entries, rows.Err()
}

// ListDlq returns up to limit dead-letter entries, newest first.
func (r *Repository) ListDlq(ctx context.Context, limit int) ([]*outbox.DeadLetterEntry, error) {
	rows, err := r.db.Query(ctx, listDlqEntriesSql, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list dead-letter entries: %w", err)
	}
	defer rows.Close()

	var entries []*outbox.DeadLetterEntry
	for rows.Next() {
		var dr dlqRow
		if err := dr.scan(rows); err != nil {
			return nil, err
		}
		entries = append(entries, dr.toDeadLetter())
	}
	return entries, rows.Err()
}
