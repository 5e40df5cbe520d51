package forwarder

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/cloud"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/logger"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/metrics"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/repository"
)

const (
	defaultBatchSize           int           = 50
	defaultLeaseSeconds        int           = 60
	defaultMaxAttempts         int           = 10
	defaultBackoffBaseSeconds  int           = 1
	defaultBackoffCapSeconds   int           = 300
	defaultSyncInterval        time.Duration = time.Second * 15
	defaultSweepInterval       time.Duration = time.Minute * 5
	defaultUnclaimAfterSeconds int           = 300
)

// Settings holds the general forwarder configuration.
type Settings struct {
	BatchSize           int           // maximum number of entries claimed per sync cycle
	LeaseSeconds        int           // how long a claim is held before other workers may reclaim it
	MaxAttempts         int           // delivery attempts before an entry is dead-lettered
	BackoffBaseSeconds  int           // base of the exponential retry backoff
	BackoffCapSeconds   int           // ceiling of the retry backoff
	SyncInterval        time.Duration // interval between sync cycles
	SweepInterval       time.Duration // interval between stuck-claim sweeps
	UnclaimAfterSeconds int           // rescue claimed entries whose lease expired this long ago
}

// validateSettings validates the established settings and sets defaults if needed.
func validateSettings(s *Settings) {
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.LeaseSeconds <= 0 {
		s.LeaseSeconds = defaultLeaseSeconds
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.BackoffBaseSeconds <= 0 {
		s.BackoffBaseSeconds = defaultBackoffBaseSeconds
	}
	if s.BackoffCapSeconds <= 0 {
		s.BackoffCapSeconds = defaultBackoffCapSeconds
	}
	if s.SyncInterval <= 0 {
		s.SyncInterval = defaultSyncInterval
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = defaultSweepInterval
	}
	if s.UnclaimAfterSeconds <= 0 {
		s.UnclaimAfterSeconds = defaultUnclaimAfterSeconds
	}
}

// Sender delivers event batches to the cloud ingestion endpoint.
type Sender interface {
	// Configured reports whether a cloud endpoint is configured.
	Configured() bool

	// SendBatch posts one batch. A returned error means the whole batch
	// failed; a Result may list individually rejected events.
	SendBatch(ctx context.Context, batch *cloud.Batch) (*cloud.Result, error)
}

var _ Sender = (*cloud.Client)(nil)

// Forwarder drains the outbox by claiming batches of pending entries and
// forwarding them to the cloud ingestion endpoint.
type Forwarder struct {
	workerId   string
	tenantId   string
	edgeId     string
	settings   Settings
	repository repository.Repository
	sender     Sender
	logger     logger.Logger
	successCtr metrics.Counter
	errorCtr   metrics.Counter
	running    atomic.Bool
}

// opt allows optional configuration.
type opt func(f *Forwarder)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithCounters allows clients to configure optional delivery counters for
// observability.
func WithCounters(success metrics.Counter, error metrics.Counter) opt {
	return func(f *Forwarder) {
		if success != nil {
			f.successCtr = success
		}
		if error != nil {
			f.errorCtr = error
		}
	}
}

// New creates a Forwarder using the provided settings and options and the
// provided Repository and Sender implementations. Dependencies are explicit:
// multiple isolated instances can coexist in one process.
func New(workerId string, tenantId string, edgeId string, s Settings, r repository.Repository, sender Sender, options ...opt) *Forwarder {
	if r == nil || sender == nil {
		panic("you must provide a repository and a sender")
	}
	validateSettings(&s)

	f := &Forwarder{
		workerId:   workerId,
		tenantId:   tenantId,
		edgeId:     edgeId,
		settings:   s,
		repository: r,
		sender:     sender,
		logger:     &logger.NopLogger{},
		successCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{},
	}
	for _, o := range options {
		o(f)
	}

	for _, a := range []any{r, sender} {
		if l, ok := a.(logger.Loggable); ok {
			l.SetLogger(f.logger)
		}
	}

	return f
}

// Settings returns the effective settings after defaulting.
func (f *Forwarder) Settings() Settings {
	return f.settings
}

// WorkerId returns the identity this forwarder claims entries with.
func (f *Forwarder) WorkerId() string {
	return f.workerId
}
