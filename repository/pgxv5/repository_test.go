package pgxv5

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/outbox"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/repository"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/test"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var (
	database *postgres.PostgresContainer
	pool     *pgxpool.Pool
	repo     *Repository
)

// TestMain prepares the database setup needed to run these tests. The
// repository is tested against a real Postgres containerized instance.
func TestMain(m *testing.M) {
	var err error
	var dsn string
	ctx := context.Background()

	database, err = test.InitPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("A problem occurred initializing the database: %v", err)
		os.Exit(1)
	}

	dsn, err = database.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("A problem occurred getting the connection string: %v", err)
		os.Exit(1)
	}

	pool, err = pgxpool.New(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo = New(pool)
	code := m.Run()

	err = database.Terminate(ctx)
	if err != nil {
		fmt.Printf("an error ocurred terminating the database container: %v", err)
	}
	os.Exit(code)
}

func truncateTables(t *testing.T) {
	t.Helper()
	_, err := pool.Exec(context.Background(), "TRUNCATE outbox_dlq, outbox RESTART IDENTITY")
	require.NoError(t, err)
}

type seed struct {
	tenantId      string
	eventType     string
	payload       string
	priority      int
	status        outbox.Status
	attemptCount  int
	nextAttemptAt time.Time
	occurredAt    *time.Time
	claimedBy     *string
	leaseExpires  *time.Time
}

func seedEntry(t *testing.T, s seed) int64 {
	t.Helper()
	if s.tenantId == "" {
		s.tenantId = "tenant-1"
	}
	if s.eventType == "" {
		s.eventType = "weighing_completed"
	}
	if s.payload == "" {
		s.payload = `{"weight":412.5}`
	}
	if s.status == "" {
		s.status = outbox.StatusPending
	}
	if s.nextAttemptAt.IsZero() {
		s.nextAttemptAt = time.Now().Add(-time.Second)
	}
	var id int64
	err := pool.QueryRow(context.Background(),
		"INSERT INTO outbox (tenant_id, event_type, payload, priority, status, attempt_count, next_attempt_at, occurred_at, claimed_by, lease_expires_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id",
		s.tenantId, s.eventType, s.payload, s.priority, string(s.status),
		s.attemptCount, s.nextAttemptAt, s.occurredAt, s.claimedBy, s.leaseExpires).Scan(&id)
	require.NoError(t, err)
	return id
}

func entryStatus(t *testing.T, id int64) outbox.Status {
	t.Helper()
	var status string
	err := pool.QueryRow(context.Background(), "SELECT status FROM outbox WHERE id=$1", id).Scan(&status)
	require.NoError(t, err)
	return outbox.Status(status)
}

func TestNew(t *testing.T) {
	type args struct {
		pool *pgxpool.Pool
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name:      "valid pool",
			args:      args{pool: pool},
			wantPanic: false,
		},
		{
			name:      "pool is nil",
			args:      args{pool: nil},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.pool)
				})
			} else {
				assert.NotPanics(t, func() {
					New(tc.args.pool)
				})
			}
		})
	}
}

func TestSave(t *testing.T) {
	truncateTables(t)
	ctx := context.Background()

	e := &outbox.Entry{
		TenantId:  "tenant-1",
		EventType: "weighing_completed",
		Payload:   outbox.ParsePayload([]byte(`{"weight":412.5}`)),
		FarmId:    "farm-1",
		DeviceId:  "scale-7",
		Priority:  2,
	}
	err := repo.Save(ctx, e)

	require.NoError(t, err)
	assert.NotZero(t, e.Id)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, outbox.StatusPending, e.Status)

	entries, err := repo.ListEntries(ctx, outbox.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "farm-1", entries[0].FarmId)
	assert.Equal(t, "scale-7", entries[0].DeviceId)
	assert.Equal(t, 2, entries[0].Priority)
	assert.Empty(t, entries[0].BarnId)
}

func TestClaimBatch(t *testing.T) {
	truncateTables(t)
	ctx := context.Background()
	now := time.Now()

	older := now.Add(-2 * time.Hour)
	newer := now.Add(-1 * time.Hour)
	lowOld := seedEntry(t, seed{priority: 0, occurredAt: &older})
	lowNew := seedEntry(t, seed{priority: 0, occurredAt: &newer})
	high := seedEntry(t, seed{priority: 5, occurredAt: &newer})
	seedEntry(t, seed{nextAttemptAt: now.Add(time.Hour)}) // not due yet
	seedEntry(t, seed{status: outbox.StatusSent})

	entries, err := repo.ClaimBatch(ctx, 10, 60, "worker-1")

	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, high, entries[0].Id)
	assert.Equal(t, lowOld, entries[1].Id)
	assert.Equal(t, lowNew, entries[2].Id)
	for _, e := range entries {
		assert.Equal(t, outbox.StatusClaimed, e.Status)
		assert.Equal(t, "worker-1", e.ClaimedBy)
		require.NotNil(t, e.LeaseExpiresAt)
		assert.True(t, e.LeaseExpiresAt.After(now))
	}

	// Everything eligible is already claimed with live leases.
	entries, err = repo.ClaimBatch(ctx, 10, 60, "worker-2")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClaimBatch_NoDoubleClaims(t *testing.T) {
	truncateTables(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		seedEntry(t, seed{})
	}

	workers := []string{"worker-1", "worker-2", "worker-3", "worker-4"}
	var mu sync.Mutex
	var wg sync.WaitGroup
	claimed := make(map[int64]string)
	for _, w := range workers {
		wg.Add(1)
		go func(workerId string) {
			defer wg.Done()
			entries, err := repo.ClaimBatch(ctx, 5, 60, workerId)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, e := range entries {
				owner, dup := claimed[e.Id]
				assert.False(t, dup, "entry %d claimed by both %s and %s", e.Id, owner, workerId)
				claimed[e.Id] = workerId
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, 20)
}

func TestClaimBatch_ReclaimsExpiredLeases(t *testing.T) {
	truncateTables(t)
	ctx := context.Background()
	now := time.Now()

	crashed := "worker-crashed"
	expired := now.Add(-time.Minute)
	live := now.Add(time.Hour)
	reclaimable := seedEntry(t, seed{status: outbox.StatusClaimed, claimedBy: &crashed, leaseExpires: &expired})
	seedEntry(t, seed{status: outbox.StatusClaimed, claimedBy: &crashed, leaseExpires: &live})

	entries, err := repo.ClaimBatch(ctx, 10, 60, "worker-2")

	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, reclaimable, entries[0].Id)
	assert.Equal(t, "worker-2", entries[0].ClaimedBy)
}

func TestMarkSent(t *testing.T) {
	truncateTables(t)
	ctx := context.Background()

	worker := "worker-1"
	lease := time.Now().Add(time.Minute)
	id := seedEntry(t, seed{status: outbox.StatusClaimed, claimedBy: &worker, leaseExpires: &lease})

	require.NoError(t, repo.MarkSent(ctx, id))
	assert.Equal(t, outbox.StatusSent, entryStatus(t, id))

	// Safe to repeat.
	require.NoError(t, repo.MarkSent(ctx, id))
	assert.Equal(t, outbox.StatusSent, entryStatus(t, id))
}

func TestMarkFailed(t *testing.T) {
	truncateTables(t)
	ctx := context.Background()

	worker := "worker-1"
	lease := time.Now().Add(time.Minute)
	id := seedEntry(t, seed{status: outbox.StatusClaimed, attemptCount: 2, claimedBy: &worker, leaseExpires: &lease})
	nextAttemptAt := time.Now().Add(8 * time.Second)

	// A stale worker identity changes nothing.
	applied, err := repo.MarkFailed(ctx, id, "worker-2", 3, nextAttemptAt, "CLOUD_REQUEST_FAILED", "connection refused")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, outbox.StatusClaimed, entryStatus(t, id))

	applied, err = repo.MarkFailed(ctx, id, "worker-1", 3, nextAttemptAt, "CLOUD_REQUEST_FAILED", "connection refused")
	require.NoError(t, err)
	assert.True(t, applied)

	entries, err := repo.ListEntries(ctx, outbox.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].AttemptCount)
	assert.Equal(t, "CLOUD_REQUEST_FAILED", entries[0].LastErrorCode)
	assert.Empty(t, entries[0].ClaimedBy)
	assert.Nil(t, entries[0].LeaseExpiresAt)
}

func TestMarkDead(t *testing.T) {
	truncateTables(t)
	ctx := context.Background()

	worker := "worker-1"
	lease := time.Now().Add(time.Minute)
	id := seedEntry(t, seed{status: outbox.StatusClaimed, attemptCount: 9, claimedBy: &worker, leaseExpires: &lease})

	// A stale worker identity changes nothing and writes no dead letter.
	applied, err := repo.MarkDead(ctx, id, "worker-2", 10, "CLOUD_REQUEST_FAILED", "connection refused")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, outbox.StatusClaimed, entryStatus(t, id))

	applied, err = repo.MarkDead(ctx, id, "worker-1", 10, "CLOUD_REQUEST_FAILED", "connection refused")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, outbox.StatusDead, entryStatus(t, id))

	dlq, err := repo.ListDlq(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, id, dlq[0].OriginalOutboxId)
	assert.Equal(t, "tenant-1", dlq[0].TenantId)
	assert.Equal(t, 10, dlq[0].Attempts)
	assert.Equal(t, "CLOUD_REQUEST_FAILED", dlq[0].LastErrorCode)
	assert.Nil(t, dlq[0].RedrivenAt)
}

func markEntryDead(t *testing.T, id int64) {
	t.Helper()
	worker := "worker-1"
	_, err := pool.Exec(context.Background(),
		"UPDATE outbox SET status='claimed', claimed_by=$2, lease_expires_at=NOW() + INTERVAL '1 minute' WHERE id=$1", id, worker)
	require.NoError(t, err)
	applied, err := repo.MarkDead(context.Background(), id, worker, 10, "CLOUD_REQUEST_FAILED", "connection refused")
	require.NoError(t, err)
	require.True(t, applied)
}

func TestRedriveDlq_ByIds(t *testing.T) {
	truncateTables(t)
	ctx := context.Background()

	first := seedEntry(t, seed{})
	second := seedEntry(t, seed{})
	markEntryDead(t, first)
	markEntryDead(t, second)

	dlq, err := repo.ListDlq(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 2)

	var firstDlqId int64
	for _, d := range dlq {
		if d.OriginalOutboxId == first {
			firstDlqId = d.Id
		}
	}

	count, err := repo.RedriveDlq(ctx, repository.RedriveRequest{Ids: []int64{firstDlqId}, Reason: "receiver fixed"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// The original is pending again with a fresh attempt budget.
	entries, err := repo.ListEntries(ctx, outbox.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first, entries[0].Id)
	assert.Equal(t, 0, entries[0].AttemptCount)
	assert.Empty(t, entries[0].LastErrorCode)
	assert.NotNil(t, entries[0].RedrivenAt)

	// The other entry is untouched.
	assert.Equal(t, outbox.StatusDead, entryStatus(t, second))

	// The dead-letter row keeps the history and is stamped as redriven.
	dlq, err = repo.ListDlq(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 2)
	for _, d := range dlq {
		if d.Id == firstDlqId {
			assert.NotNil(t, d.RedrivenAt)
			assert.Equal(t, "receiver fixed", d.RedriveReason)
		}
	}

	// Redriving the same entry twice is a no-op.
	count, err = repo.RedriveDlq(ctx, repository.RedriveRequest{Ids: []int64{firstDlqId}, Reason: "again"})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRedriveDlq_All(t *testing.T) {
	truncateTables(t)
	ctx := context.Background()

	first := seedEntry(t, seed{})
	second := seedEntry(t, seed{})
	markEntryDead(t, first)
	markEntryDead(t, second)

	count, err := repo.RedriveDlq(ctx, repository.RedriveRequest{All: true, Reason: "schema deployed"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	assert.Equal(t, outbox.StatusPending, entryStatus(t, first))
	assert.Equal(t, outbox.StatusPending, entryStatus(t, second))
}

func TestRedriveDlq_EmptySelection(t *testing.T) {
	count, err := repo.RedriveDlq(context.Background(), repository.RedriveRequest{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestUnclaimStuck(t *testing.T) {
	truncateTables(t)
	ctx := context.Background()
	now := time.Now()

	worker := "worker-crashed"
	longExpired := now.Add(-10 * time.Minute)
	justExpired := now.Add(-10 * time.Second)
	stuck := seedEntry(t, seed{status: outbox.StatusClaimed, claimedBy: &worker, leaseExpires: &longExpired})
	recent := seedEntry(t, seed{status: outbox.StatusClaimed, claimedBy: &worker, leaseExpires: &justExpired})

	count, err := repo.UnclaimStuck(ctx, 300)

	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	assert.Equal(t, outbox.StatusPending, entryStatus(t, stuck))
	assert.Equal(t, outbox.StatusClaimed, entryStatus(t, recent))
}

func TestStateSummary(t *testing.T) {
	truncateTables(t)
	ctx := context.Background()

	seedEntry(t, seed{})
	seedEntry(t, seed{})
	seedEntry(t, seed{status: outbox.StatusSent})
	dead := seedEntry(t, seed{})
	markEntryDead(t, dead)

	summary, err := repo.StateSummary(ctx)

	require.NoError(t, err)
	assert.EqualValues(t, 2, summary.CountsByStatus[outbox.StatusPending])
	assert.EqualValues(t, 1, summary.CountsByStatus[outbox.StatusSent])
	assert.EqualValues(t, 1, summary.CountsByStatus[outbox.StatusDead])
	assert.EqualValues(t, 1, summary.DlqTotal)
	require.NotNil(t, summary.OldestPendingAgeSeconds)
	assert.GreaterOrEqual(t, *summary.OldestPendingAgeSeconds, 0.0)
}

func TestStateSummary_EmptyOutbox(t *testing.T) {
	truncateTables(t)

	summary, err := repo.StateSummary(context.Background())

	require.NoError(t, err)
	assert.Empty(t, summary.CountsByStatus)
	assert.Zero(t, summary.DlqTotal)
	assert.Nil(t, summary.OldestPendingAgeSeconds)
}
