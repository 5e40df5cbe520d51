package admin

import (
	"encoding/json"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/outbox"
)

type redriveRequest struct {
	Ids    []int64 `json:"ids"`
	AllDlq bool    `json:"allDlq"`
	Reason string  `json:"reason"`
}

type redriveResponse struct {
	Redriven int64 `json:"redriven"`
}

type unclaimStuckRequest struct {
	OlderThanSeconds int `json:"olderThanSeconds"`
}

type unclaimStuckResponse struct {
	Unclaimed int64 `json:"unclaimed"`
}

type triggerResponse struct {
	Triggered bool `json:"triggered"`
}

type cloudDiagnosticsResponse struct {
	Configured bool   `json:"configured"`
	Ok         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

type entryResponse struct {
	Id               int64           `json:"id"`
	TenantId         string          `json:"tenantId"`
	EventType        string          `json:"eventType"`
	Priority         int             `json:"priority"`
	Status           string          `json:"status"`
	AttemptCount     int             `json:"attemptCount"`
	NextAttemptAt    time.Time       `json:"nextAttemptAt"`
	OccurredAt       *time.Time      `json:"occurredAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	ClaimedBy        string          `json:"claimedBy,omitempty"`
	LeaseExpiresAt   *time.Time      `json:"leaseExpiresAt,omitempty"`
	LastErrorCode    string          `json:"lastErrorCode,omitempty"`
	LastErrorMessage string          `json:"lastErrorMessage,omitempty"`
	DlqReason        string          `json:"dlqReason,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}

func toEntryResponse(e *outbox.Entry) entryResponse {
	return entryResponse{
		Id:               e.Id,
		TenantId:         e.TenantId,
		EventType:        e.EventType,
		Priority:         e.Priority,
		Status:           string(e.Status),
		AttemptCount:     e.AttemptCount,
		NextAttemptAt:    e.NextAttemptAt,
		OccurredAt:       e.OccurredAt,
		CreatedAt:        e.CreatedAt,
		ClaimedBy:        e.ClaimedBy,
		LeaseExpiresAt:   e.LeaseExpiresAt,
		LastErrorCode:    e.LastErrorCode,
		LastErrorMessage: e.LastErrorMessage,
		DlqReason:        e.DlqReason,
		Payload:          e.Payload.Bytes(),
	}
}

type dlqResponse struct {
	Id               int64           `json:"id"`
	OriginalOutboxId int64           `json:"originalOutboxId"`
	TenantId         string          `json:"tenantId"`
	EventType        string          `json:"eventType"`
	Attempts         int             `json:"attempts"`
	LastErrorCode    string          `json:"lastErrorCode,omitempty"`
	LastErrorMessage string          `json:"lastErrorMessage,omitempty"`
	FirstSeenAt      time.Time       `json:"firstSeenAt"`
	DeadAt           time.Time       `json:"deadAt"`
	RedrivenAt       *time.Time      `json:"redrivenAt,omitempty"`
	RedriveReason    string          `json:"redriveReason,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}

func toDlqResponse(e *outbox.DeadLetterEntry) dlqResponse {
	return dlqResponse{
		Id:               e.Id,
		OriginalOutboxId: e.OriginalOutboxId,
		TenantId:         e.TenantId,
		EventType:        e.EventType,
		Attempts:         e.Attempts,
		LastErrorCode:    e.LastErrorCode,
		LastErrorMessage: e.LastErrorMessage,
		FirstSeenAt:      e.FirstSeenAt,
		DeadAt:           e.DeadAt,
		RedrivenAt:       e.RedrivenAt,
		RedriveReason:    e.RedriveReason,
		Payload:          e.Payload,
	}
}
