package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/logger"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/outbox"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/repository"
	"gorm.io/gorm"
)

const entryColumns = "id, tenant_id, event_type, payload, farm_id, barn_id, device_id, session_id, " +
	"priority, status, attempt_count, next_attempt_at, occurred_at, created_at, " +
	"claimed_by, claimed_at, lease_expires_at, last_error_code, last_error_msg, " +
	"failed_at, dlq_reason, redriven_at"

const dlqColumns = "id, original_outbox_id, tenant_id, event_type, payload, attempts, " +
	"last_error_code, last_error_msg, first_seen_at, dead_at, redriven_at, redrive_reason"

const (
	insertEntrySql = "INSERT INTO outbox (tenant_id, event_type, payload, farm_id, barn_id, device_id, session_id, priority, status, next_attempt_at, occurred_at) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?) RETURNING id, created_at"

	claimBatchSql = "UPDATE outbox SET status='claimed', claimed_by=?, claimed_at=?, lease_expires_at=? " +
		"WHERE id IN (" +
		"SELECT id FROM outbox " +
		"WHERE status IN ('pending', 'claimed') AND next_attempt_at <= ? " +
		"AND (status = 'pending' OR lease_expires_at < ?) " +
		"ORDER BY priority DESC, COALESCE(occurred_at, created_at) ASC " +
		"LIMIT ? FOR UPDATE SKIP LOCKED) " +
		"RETURNING " + entryColumns

	markSentSql = "UPDATE outbox SET status='sent', claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL, " +
		"last_error_code=NULL, last_error_msg=NULL, failed_at=NULL WHERE id=? AND status <> 'sent'"

	markFailedSql = "UPDATE outbox SET status='pending', attempt_count=?, next_attempt_at=?, " +
		"last_error_code=?, last_error_msg=?, claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL " +
		"WHERE id=? AND claimed_by=?"

	markDeadSql = "UPDATE outbox SET status='dead', attempt_count=?, last_error_code=?, last_error_msg=?, " +
		"failed_at=?, dlq_reason=?, claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL " +
		"WHERE id=? AND claimed_by=? RETURNING tenant_id, event_type, payload, created_at"

	insertDlqSql = "INSERT INTO outbox_dlq (original_outbox_id, tenant_id, event_type, payload, attempts, " +
		"last_error_code, last_error_msg, first_seen_at, dead_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"

	redriveAllSql = "WITH locked AS (" +
		"SELECT d.id AS dlq_id, d.original_outbox_id AS outbox_id FROM outbox_dlq d " +
		"JOIN outbox o ON o.id = d.original_outbox_id " +
		"WHERE d.redriven_at IS NULL FOR UPDATE OF d, o SKIP LOCKED" +
		"), resurrected AS (" +
		"UPDATE outbox o SET status='pending', attempt_count=0, next_attempt_at=?, " +
		"claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL, last_error_code=NULL, " +
		"last_error_msg=NULL, failed_at=NULL, dlq_reason=NULL, redriven_at=? " +
		"FROM locked WHERE o.id = locked.outbox_id RETURNING locked.dlq_id" +
		") UPDATE outbox_dlq d SET redriven_at=?, redrive_reason=? " +
		"FROM resurrected WHERE d.id = resurrected.dlq_id"

	redriveByIdsSql = "WITH locked AS (" +
		"SELECT d.id AS dlq_id, d.original_outbox_id AS outbox_id FROM outbox_dlq d " +
		"JOIN outbox o ON o.id = d.original_outbox_id " +
		"WHERE d.redriven_at IS NULL AND d.id IN ? FOR UPDATE OF d, o SKIP LOCKED" +
		"), resurrected AS (" +
		"UPDATE outbox o SET status='pending', attempt_count=0, next_attempt_at=?, " +
		"claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL, last_error_code=NULL, " +
		"last_error_msg=NULL, failed_at=NULL, dlq_reason=NULL, redriven_at=? " +
		"FROM locked WHERE o.id = locked.outbox_id RETURNING locked.dlq_id" +
		") UPDATE outbox_dlq d SET redriven_at=?, redrive_reason=? " +
		"FROM resurrected WHERE d.id = resurrected.dlq_id"

	unclaimStuckSql = "UPDATE outbox SET status='pending', claimed_by=NULL, claimed_at=NULL, lease_expires_at=NULL " +
		"WHERE status='claimed' AND lease_expires_at < ?"

	countByStatusSql  = "SELECT status, COUNT(*) FROM outbox GROUP BY status"
	countDlqSql       = "SELECT COUNT(*) FROM outbox_dlq"
	oldestPendingSql  = "SELECT EXTRACT(EPOCH FROM (NOW() - MIN(created_at)))::float8 FROM outbox WHERE status='pending'"
	listEntriesSql    = "SELECT " + entryColumns + " FROM outbox ORDER BY id DESC LIMIT ?"
	listByStatusSql   = "SELECT " + entryColumns + " FROM outbox WHERE status=? ORDER BY id DESC LIMIT ?"
	listDlqEntriesSql = "SELECT " + dlqColumns + " FROM outbox_dlq ORDER BY dead_at DESC, id DESC LIMIT ?"
)

type Repository struct {
	db     *gorm.DB
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Repository = (*Repository)(nil)

func New(db *gorm.DB) *Repository {
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		db:     db,
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
	row := r.db.WithContext(ctx).Raw(insertEntrySql, e.TenantId, e.EventType,
		[]byte(e.Payload.Bytes()), nullStr(e.FarmId), nullStr(e.BarnId),
		nullStr(e.DeviceId), nullStr(e.SessionId), e.Priority, nextAttemptAt,
		e.OccurredAt).Row()
	if err := row.Scan(&e.Id, &e.CreatedAt); err != nil {
		return fmt.Errorf("could not persist the outbox entry: %w", err)
	}
	e.Status = outbox.StatusPending
	return nil
}

// ClaimBatch atomically flips up to limit eligible entries to claimed on
// behalf of workerId, skipping rows locked by concurrent claimers.
func (r *Repository) ClaimBatch(ctx context.Context, limit int, leaseSeconds int, workerId string) ([]*outbox.Entry, error) {
	now := time.Now()
	leaseExpiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)

	rows, err := r.db.WithContext(ctx).Raw(claimBatchSql, workerId, now, leaseExpiresAt, now, now, limit).Rows()
	if err != nil {
		return nil, fmt.Errorf("could not claim a batch: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
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
	res := r.db.WithContext(ctx).Exec(markSentSql, id)
	if res.Error != nil {
		return fmt.Errorf("could not mark entry %d as sent: %w", id, res.Error)
	}
	return nil
}

// MarkFailed writes back the retry state. The update is a check-and-skip: it
// only applies while claimed_by still matches workerId.
func (r *Repository) MarkFailed(ctx context.Context, id int64, workerId string, attemptCount int, nextAttemptAt time.Time, errorCode string, errorMessage string) (bool, error) {
	res := r.db.WithContext(ctx).Exec(markFailedSql, attemptCount, nextAttemptAt, errorCode, errorMessage, id, workerId)
	if res.Error != nil {
		return false, fmt.Errorf("could not mark entry %d as failed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		r.logger.Warn(fmt.Sprintf("entry %d is no longer claimed by '%s', skipping the retry update", id, workerId))
		return false, nil
	}
	return true, nil
}

// MarkDead flips an entry to dead and inserts the dead-letter mirror within
// the same transaction. Guarded by workerId like MarkFailed.
func (r *Repository) MarkDead(ctx context.Context, id int64, workerId string, attemptCount int, errorCode string, errorMessage string) (bool, error) {
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		var tenantId, eventType string
		var payload []byte
		var createdAt time.Time
		row := tx.Raw(markDeadSql, attemptCount, nullStr(errorCode), nullStr(errorMessage),
			now, outbox.DlqReasonMaxAttempts, id, workerId).Row()
		if err := row.Scan(&tenantId, &eventType, &payload, &createdAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				r.logger.Warn(fmt.Sprintf("entry %d is no longer claimed by '%s', skipping the dead-letter update", id, workerId))
				return nil
			}
			return fmt.Errorf("could not mark entry %d as dead: %w", id, err)
		}

		res := tx.Exec(insertDlqSql, id, tenantId, eventType, payload,
			attemptCount, nullStr(errorCode), nullStr(errorMessage), createdAt, now)
		if res.Error != nil {
			return fmt.Errorf("could not insert the dead-letter entry for %d: %w", id, res.Error)
		}
		applied = true
		return nil
	})
	return applied, err
}

// RedriveDlq resurrects the selected dead-letter entries, skipping rows
// locked by concurrent callers. Returns the number of redriven entries.
func (r *Repository) RedriveDlq(ctx context.Context, req repository.RedriveRequest) (int64, error) {
	now := time.Now()
	var res *gorm.DB
	if req.All {
		res = r.db.WithContext(ctx).Exec(redriveAllSql, now, now, now, req.Reason)
	} else {
		if len(req.Ids) == 0 {
			return 0, nil
		}
		res = r.db.WithContext(ctx).Exec(redriveByIdsSql, req.Ids, now, now, now, req.Reason)
	}
	if res.Error != nil {
		return 0, fmt.Errorf("could not redrive dead-letter entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UnclaimStuck resets claimed entries whose lease expired more than
// olderThanSeconds ago back to pending.
func (r *Repository) UnclaimStuck(ctx context.Context, olderThanSeconds int) (int64, error) {
	threshold := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second)
	res := r.db.WithContext(ctx).Exec(unclaimStuckSql, threshold)
	if res.Error != nil {
		return 0, fmt.Errorf("could not unclaim stuck entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// StateSummary returns counts by status, the dead-letter total and the age
// of the oldest pending entry in seconds.
func (r *Repository) StateSummary(ctx context.Context) (*repository.Summary, error) {
	summary := &repository.Summary{
		CountsByStatus: make(map[outbox.Status]int64),
	}

	rows, err := r.db.WithContext(ctx).Raw(countByStatusSql).Rows()
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

	if err := r.db.WithContext(ctx).Raw(countDlqSql).Row().Scan(&summary.DlqTotal); err != nil {
		return nil, fmt.Errorf("could not count dead-letter entries: %w", err)
	}

	var oldest *float64
	if err := r.db.WithContext(ctx).Raw(oldestPendingSql).Row().Scan(&oldest); err != nil {
		return nil, fmt.Errorf("could not compute the oldest pending age: %w", err)
	}
	summary.OldestPendingAgeSeconds = oldest

	return summary, nil
}

// ListEntries returns up to limit entries, newest first, optionally filtered
// by status.
func (r *Repository) ListEntries(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = r.db.WithContext(ctx).Raw(listEntriesSql, limit).Rows()
	} else {
		rows, err = r.db.WithContext(ctx).Raw(listByStatusSql, string(status), limit).Rows()
	}
	if err != nil {
		return nil, fmt.Errorf("could not list outbox entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ListDlq returns up to limit dead-letter entries, newest first.
func (r *Repository) ListDlq(ctx context.Context, limit int) ([]*outbox.DeadLetterEntry, error) {
	rows, err := r.db.WithContext(ctx).Raw(listDlqEntriesSql, limit).Rows()
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

func scanEntries(rows *sql.Rows) ([]*outbox.Entry, error) {
	var entries []*outbox.Entry
	for rows.Next() {
		var er entryRow
		if err := er.scan(rows); err != nil {
			return nil, fmt.Errorf("could not scan an outbox entry: %w", err)
		}
		entries = append(entries, er.toEntry())
	}
	return entries, rows.Err()
}
