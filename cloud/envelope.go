package cloud

import (
	"strconv"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/outbox"
	"github.com/iancoleman/strcase"
)

// SchemaVersion is stamped on synthesized envelopes that carry no version of
// their own.
const SchemaVersion = "1.0"

// Batch is the wire format of one delivery to the cloud ingestion endpoint.
type Batch struct {
	TenantId string            `json:"tenant_id"`
	EdgeId   string            `json:"edge_id"`
	SentAt   time.Time         `json:"sent_at"`
	Events   []outbox.Envelope `json:"events"`
}

// BuildEnvelope produces the cloud event envelope for an outbox entry. A
// payload that already carries its own envelope is reused, only filling the
// event id from the entry when absent; anything else is synthesized from the
// entry columns. The idempotency key is derived exclusively from the tenant
// and the event id so it stays identical across retries of the same entry.
func BuildEnvelope(e *outbox.Entry, now time.Time, traceId string) outbox.Envelope {
	if e.Payload.IsEnvelope() {
		env := *e.Payload.Envelope
		if env.EventID == "" {
			env.EventID = strconv.FormatInt(e.Id, 10)
		}
		env.IdempotencyKey = env.TenantID + ":" + env.EventID
		return env
	}

	occurredAt := now
	if e.OccurredAt != nil {
		occurredAt = *e.OccurredAt
	}
	eventId := strconv.FormatInt(e.Id, 10)
	return outbox.Envelope{
		EventID:        eventId,
		EventType:      strcase.ToSnake(e.EventType),
		TenantID:       e.TenantId,
		FarmID:         e.FarmId,
		BarnID:         e.BarnId,
		DeviceID:       e.DeviceId,
		SessionID:      e.SessionId,
		OccurredAt:     &occurredAt,
		TraceID:        traceId,
		SchemaVersion:  SchemaVersion,
		Payload:        e.Payload.Raw,
		IdempotencyKey: e.TenantId + ":" + eventId,
	}
}
