package test

import (
	"sync"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/logger"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/metrics"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

// TestLogger records every message for later inspection.
type TestLogger struct {
	mu       sync.Mutex
	Messages []string
	Errors   []error
}

var _ logger.Logger = (*TestLogger)(nil)

func (l *TestLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, msg)
}

func (l *TestLogger) Debug(msg string) { l.record(msg) }

func (l *TestLogger) Info(msg string) { l.record(msg) }

func (l *TestLogger) Warn(msg string) { l.record(msg) }

func (l *TestLogger) Error(msg string, err error) {
	l.mu.Lock()
	l.Errors = append(l.Errors, err)
	l.mu.Unlock()
	l.record(msg)
}

// TestCounter accumulates increments for later inspection.
type TestCounter struct {
	mu  sync.Mutex
	Ctr int64
}

var _ metrics.Counter = (*TestCounter)(nil)

func (c *TestCounter) Inc(delta int64) {
	c.mu.Lock()
	c.Ctr += delta
	c.mu.Unlock()
}

// Value returns the current counter value.
func (c *TestCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Ctr
}
