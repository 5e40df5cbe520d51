package gorm

import (
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/outbox"
)

// scannable abstracts *sql.Row and *sql.Rows for entry scanning.
type scannable interface {
	Scan(dest ...any) error
}

// entryRow mirrors the outbox table columns with nullable fields as pointers.
type entryRow struct {
	id             int64
	tenantId       string
	eventType      string
	payload        []byte
	farmId         *string
	barnId         *string
	deviceId       *string
	sessionId      *string
	priority       int
	status         string
	attemptCount   int
	nextAttemptAt  time.Time
	occurredAt     *time.Time
	createdAt      time.Time
	claimedBy      *string
	claimedAt      *time.Time
	leaseExpiresAt *time.Time
	lastErrorCode  *string
	lastErrorMsg   *string
	failedAt       *time.Time
	dlqReason      *string
	redrivenAt     *time.Time
}

func (r *entryRow) scan(row scannable) error {
	return row.Scan(&r.id, &r.tenantId, &r.eventType, &r.payload, &r.farmId,
		&r.barnId, &r.deviceId, &r.sessionId, &r.priority, &r.status,
		&r.attemptCount, &r.nextAttemptAt, &r.occurredAt, &r.createdAt,
		&r.claimedBy, &r.claimedAt, &r.leaseExpiresAt, &r.lastErrorCode,
		&r.lastErrorMsg, &r.failedAt, &r.dlqReason, &r.redrivenAt)
}

func (r *entryRow) toEntry() *outbox.Entry {
	return &outbox.Entry{
		Id:               r.id,
		TenantId:         r.tenantId,
		EventType:        r.eventType,
		Payload:          outbox.ParsePayload(r.payload),
		FarmId:           strOrEmpty(r.farmId),
		BarnId:           strOrEmpty(r.barnId),
		DeviceId:         strOrEmpty(r.deviceId),
		SessionId:        strOrEmpty(r.sessionId),
		Priority:         r.priority,
		Status:           outbox.Status(r.status),
		AttemptCount:     r.attemptCount,
		NextAttemptAt:    r.nextAttemptAt,
		OccurredAt:       r.occurredAt,
		CreatedAt:        r.createdAt,
		ClaimedBy:        strOrEmpty(r.claimedBy),
		ClaimedAt:        r.claimedAt,
		LeaseExpiresAt:   r.leaseExpiresAt,
		LastErrorCode:    strOrEmpty(r.lastErrorCode),
		LastErrorMessage: strOrEmpty(r.lastErrorMsg),
		FailedAt:         r.failedAt,
		DlqReason:        strOrEmpty(r.dlqReason),
		RedrivenAt:       r.redrivenAt,
	}
}

type dlqRow struct {
	id               int64
	originalOutboxId int64
	tenantId         string
	eventType        string
	payload          []byte
	attempts         int
	lastErrorCode    *string
	lastErrorMsg     *string
	firstSeenAt      time.Time
	deadAt           time.Time
	redrivenAt       *time.Time
	redriveReason    *string
}

func (r *dlqRow) scan(row scannable) error {
	return row.Scan(&r.id, &r.originalOutboxId, &r.tenantId, &r.eventType,
		&r.payload, &r.attempts, &r.lastErrorCode, &r.lastErrorMsg,
		&r.firstSeenAt, &r.deadAt, &r.redrivenAt, &r.redriveReason)
}

func (r *dlqRow) toDeadLetter() *outbox.DeadLetterEntry {
	return &outbox.DeadLetterEntry{
		Id:               r.id,
		OriginalOutboxId: r.originalOutboxId,
		TenantId:         r.tenantId,
		EventType:        r.eventType,
		Payload:          r.payload,
		Attempts:         r.attempts,
		LastErrorCode:    strOrEmpty(r.lastErrorCode),
		LastErrorMessage: strOrEmpty(r.lastErrorMsg),
		FirstSeenAt:      r.firstSeenAt,
		DeadAt:           r.deadAt,
		RedrivenAt:       r.redrivenAt,
		RedriveReason:    strOrEmpty(r.redriveReason),
	}
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
