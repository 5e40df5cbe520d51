package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestCanTransition(t *testing.T) {
	type args struct {
		from Status
		to   Status
	}
	testcases := []struct {
		name string
		args args
		want bool
	}{
		{name: "pending to claimed", args: args{StatusPending, StatusClaimed}, want: true},
		{name: "claimed to sending", args: args{StatusClaimed, StatusSending}, want: true},
		{name: "claimed back to pending", args: args{StatusClaimed, StatusPending}, want: true},
		{name: "sending to sent", args: args{StatusSending, StatusSent}, want: true},
		{name: "claimed to sent", args: args{StatusClaimed, StatusSent}, want: true},
		{name: "pending to dead", args: args{StatusPending, StatusDead}, want: true},
		{name: "sent back to pending is illegal", args: args{StatusSent, StatusPending}, want: false},
		{name: "dead back to pending is illegal", args: args{StatusDead, StatusPending}, want: false},
		{name: "pending to sent skips delivery", args: args{StatusPending, StatusSent}, want: false},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CanTransition(tc.args.from, tc.args.to))
		})
	}
}

func TestIsEligibleForClaim(t *testing.T) {
	now := time.Now()
	type args struct {
		entry *Entry
	}
	testcases := []struct {
		name string
		args args
		want bool
	}{
		{
			name: "pending and due",
			args: args{&Entry{Status: StatusPending, NextAttemptAt: now.Add(-time.Second)}},
			want: true,
		},
		{
			name: "pending but scheduled in the future",
			args: args{&Entry{Status: StatusPending, NextAttemptAt: now.Add(time.Minute)}},
			want: false,
		},
		{
			name: "claimed with an expired lease",
			args: args{&Entry{
				Status:         StatusClaimed,
				NextAttemptAt:  now.Add(-time.Minute),
				ClaimedBy:      "worker-a",
				LeaseExpiresAt: timePtr(now.Add(-time.Second)),
			}},
			want: true,
		},
		{
			name: "claimed with an active lease",
			args: args{&Entry{
				Status:         StatusClaimed,
				NextAttemptAt:  now.Add(-time.Minute),
				ClaimedBy:      "worker-a",
				LeaseExpiresAt: timePtr(now.Add(time.Minute)),
			}},
			want: false,
		},
		{
			name: "sent is terminal",
			args: args{&Entry{Status: StatusSent, NextAttemptAt: now.Add(-time.Minute)}},
			want: false,
		},
		{
			name: "dead is terminal",
			args: args{&Entry{Status: StatusDead, NextAttemptAt: now.Add(-time.Minute)}},
			want: false,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsEligibleForClaim(tc.args.entry, now))
		})
	}
}

func TestPrepareForRetry(t *testing.T) {
	now := time.Now()
	type args struct {
		attemptCount int
		maxAttempts  int
	}
	testcases := []struct {
		name        string
		args        args
		wantStatus  Status
		wantAttempt int
	}{
		{
			name:        "one attempt left goes to dead",
			args:        args{attemptCount: 9, maxAttempts: 10},
			wantStatus:  StatusDead,
			wantAttempt: 10,
		},
		{
			name:        "two attempts left goes back to pending",
			args:        args{attemptCount: 8, maxAttempts: 10},
			wantStatus:  StatusPending,
			wantAttempt: 9,
		},
		{
			name:        "first failure goes back to pending",
			args:        args{attemptCount: 0, maxAttempts: 10},
			wantStatus:  StatusPending,
			wantAttempt: 1,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			e := &Entry{
				Status:         StatusClaimed,
				AttemptCount:   tc.args.attemptCount,
				ClaimedBy:      "worker-a",
				ClaimedAt:      timePtr(now),
				LeaseExpiresAt: timePtr(now.Add(time.Minute)),
			}
			PrepareForRetry(e, "CLOUD_REQUEST_FAILED", "connection refused", tc.args.maxAttempts, 1, 300, now)

			assert.Equal(t, tc.wantStatus, e.Status)
			assert.Equal(t, tc.wantAttempt, e.AttemptCount)
			assert.Equal(t, "CLOUD_REQUEST_FAILED", e.LastErrorCode)
			assert.Equal(t, "connection refused", e.LastErrorMessage)
			assert.Empty(t, e.ClaimedBy)
			assert.Nil(t, e.ClaimedAt)
			assert.Nil(t, e.LeaseExpiresAt)

			if tc.wantStatus == StatusDead {
				assert.NotNil(t, e.FailedAt)
				assert.Equal(t, DlqReasonMaxAttempts, e.DlqReason)
			} else {
				assert.True(t, e.NextAttemptAt.After(now))
			}
		})
	}
}

func TestMarkAsAcked(t *testing.T) {
	now := time.Now()
	e := &Entry{
		Status:           StatusClaimed,
		ClaimedBy:        "worker-a",
		ClaimedAt:        timePtr(now),
		LeaseExpiresAt:   timePtr(now.Add(time.Minute)),
		LastErrorCode:    "CLOUD_REQUEST_FAILED",
		LastErrorMessage: "connection refused",
		FailedAt:         timePtr(now),
	}
	MarkAsAcked(e)

	assert.Equal(t, StatusSent, e.Status)
	assert.Empty(t, e.ClaimedBy)
	assert.Nil(t, e.ClaimedAt)
	assert.Nil(t, e.LeaseExpiresAt)
	assert.Empty(t, e.LastErrorCode)
	assert.Empty(t, e.LastErrorMessage)
	assert.Nil(t, e.FailedAt)
}
