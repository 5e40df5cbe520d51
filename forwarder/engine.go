package forwarder

import (
	"context"
	"fmt"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/cloud"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/outbox"
	"github.com/google/uuid"
)

const (
	// ErrCodeRequestFailed marks entries whose whole batch failed: transport
	// errors, non-2xx responses, undecodable response bodies.
	ErrCodeRequestFailed = "CLOUD_REQUEST_FAILED"

	// ErrCodeEventRejected marks entries the receiver rejected individually
	// in an otherwise successful batch.
	ErrCodeEventRejected = "CLOUD_EVENT_REJECTED"
)

// runCycle executes one sync cycle: claim a batch, post it to the cloud and
// write back the per-entry outcome. Errors never escape a cycle; entries
// whose outcome could not be written stay claimed and self-heal once their
// lease expires.
func (f *Forwarder) runCycle(ctx context.Context) {
	if !f.sender.Configured() {
		return
	}

	entries, err := f.repository.ClaimBatch(ctx, f.settings.BatchSize, f.settings.LeaseSeconds, f.workerId)
	if err != nil {
		f.logger.Error("claiming an outbox batch", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	f.logger.Debug(fmt.Sprintf("claimed %d outbox entries", len(entries)))

	now := time.Now()
	batch := &cloud.Batch{
		TenantId: f.tenantId,
		EdgeId:   f.edgeId,
		SentAt:   now,
		Events:   make([]outbox.Envelope, len(entries)),
	}
	for i, e := range entries {
		batch.Events[i] = cloud.BuildEnvelope(e, now, uuid.NewString())
	}

	result, err := f.sender.SendBatch(ctx, batch)
	if err != nil {
		f.logger.Error("delivering the outbox batch", err)
		for _, e := range entries {
			f.recordFailure(ctx, e, ErrCodeRequestFailed, err.Error())
			f.errorCtr.Inc(1)
		}
		return
	}

	rejected := make(map[string]string, len(result.Errors))
	for _, ee := range result.Errors {
		rejected[ee.EventID] = ee.Error
	}

	var delivered, failed int
	for i, e := range entries {
		if msg, ok := rejected[batch.Events[i].EventID]; ok {
			f.recordFailure(ctx, e, ErrCodeEventRejected, msg)
			f.errorCtr.Inc(1)
			failed++
			continue
		}
		if err := f.repository.MarkSent(ctx, e.Id); err != nil {
			f.logger.Error(fmt.Sprintf("marking entry %d as sent", e.Id), err)
			continue
		}
		f.successCtr.Inc(1)
		delivered++
	}
	f.logger.Info(fmt.Sprintf("%d entries were successfully delivered (with %d failed) from a batch of %d", delivered, failed, len(entries)))
}

// recordFailure runs the retry decision for one entry and writes it back.
// The repository skips the write when another worker reclaimed the entry in
// the meantime.
func (f *Forwarder) recordFailure(ctx context.Context, e *outbox.Entry, errorCode string, errorMessage string) {
	outbox.PrepareForRetry(e, errorCode, errorMessage,
		f.settings.MaxAttempts, f.settings.BackoffBaseSeconds, f.settings.BackoffCapSeconds, time.Now())

	var applied bool
	var err error
	if e.Status == outbox.StatusDead {
		applied, err = f.repository.MarkDead(ctx, e.Id, f.workerId, e.AttemptCount, errorCode, errorMessage)
	} else {
		applied, err = f.repository.MarkFailed(ctx, e.Id, f.workerId, e.AttemptCount, e.NextAttemptAt, errorCode, errorMessage)
	}
	if err != nil {
		f.logger.Error(fmt.Sprintf("recording the failed attempt for entry %d", e.Id), err)
		return
	}
	if !applied {
		f.logger.Debug(fmt.Sprintf("entry %d was reclaimed by another worker, outcome dropped", e.Id))
	}
}
