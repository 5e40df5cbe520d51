package outbox

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of an outbox entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusDead    Status = "dead"
)

// DlqReasonMaxAttempts is stamped on entries that exhausted their retry budget.
const DlqReasonMaxAttempts = "max_attempts_exceeded"

// Envelope is a self-describing domain event as produced by the edge
// ingestion pipelines. Entries whose payload already carries an envelope are
// forwarded as-is; for the rest an envelope is synthesized from the entry
// columns before delivery.
type Envelope struct {
	EventID        string          `json:"event_id,omitempty"`
	EventType      string          `json:"event_type,omitempty"`
	TenantID       string          `json:"tenant_id,omitempty"`
	FarmID         string          `json:"farm_id,omitempty"`
	BarnID         string          `json:"barn_id,omitempty"`
	DeviceID       string          `json:"device_id,omitempty"`
	StationID      string          `json:"station_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	OccurredAt     *time.Time      `json:"occurred_at,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	SchemaVersion  string          `json:"schema_version,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Payload is the stored payload of an outbox entry. It is either a
// self-describing Envelope or a raw JSON document. The shape is decided once,
// when the row is scanned from the repository, never re-sniffed afterwards.
type Payload struct {
	Envelope *Envelope
	Raw      json.RawMessage
}

// IsEnvelope reports whether the stored payload carries its own envelope.
func (p Payload) IsEnvelope() bool {
	return p.Envelope != nil
}

// Bytes returns the payload in its stored JSON form.
func (p Payload) Bytes() json.RawMessage {
	if p.Envelope != nil {
		b, err := json.Marshal(p.Envelope)
		if err != nil {
			return p.Raw
		}
		return b
	}
	return p.Raw
}

// ParsePayload classifies a stored payload. A payload is considered a
// self-describing envelope when it is a JSON object carrying both an
// event_type and a tenant_id of its own.
func ParsePayload(raw []byte) Payload {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Payload{Raw: raw}
	}
	if e.EventType == "" || e.TenantID == "" {
		return Payload{Raw: raw}
	}
	return Payload{Envelope: &e}
}

// Entry is one outbox row: a single domain event awaiting delivery to the
// cloud ingestion endpoint.
type Entry struct {
	Id        int64
	TenantId  string
	EventType string
	Payload   Payload
	FarmId    string
	BarnId    string
	DeviceId  string
	SessionId string

	Priority      int
	Status        Status
	AttemptCount  int
	NextAttemptAt time.Time
	OccurredAt    *time.Time
	CreatedAt     time.Time

	ClaimedBy      string
	ClaimedAt      *time.Time
	LeaseExpiresAt *time.Time

	LastErrorCode    string
	LastErrorMessage string
	FailedAt         *time.Time
	DlqReason        string
	RedrivenAt       *time.Time
}

// DeadLetterEntry is the terminal record for an entry that exhausted its
// retry budget. It mirrors the original payload and the attempt history so it
// can be inspected and redriven without touching the outbox row first.
type DeadLetterEntry struct {
	Id               int64
	OriginalOutboxId int64
	TenantId         string
	EventType        string
	Payload          json.RawMessage
	Attempts         int
	LastErrorCode    string
	LastErrorMessage string
	FirstSeenAt      time.Time
	DeadAt           time.Time
	RedrivenAt       *time.Time
	RedriveReason    string
}
