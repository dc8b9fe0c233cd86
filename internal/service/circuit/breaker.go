// Package circuit guards tenants that keep failing. A tenant's breaker is
// open while it has at least threshold failures inside the sliding window;
// there is no explicit state, old failures simply age out.
package circuit

import (
	"context"
	"sync"
	"time"
)

// Defaults used when a non-positive threshold or window is supplied.
const (
	DefaultThreshold = 5
	DefaultWindow    = 5 * time.Minute
)

// Breaker is the per-tenant failure guard consulted before each orchestration.
type Breaker interface {
	IsOpen(ctx context.Context, tenantID string) bool
	RecordFailure(ctx context.Context, tenantID string)
	Clear(ctx context.Context, tenantID string)
	Failures(ctx context.Context, tenantID string) int
}

// Memory keeps failure timestamps in process.
type Memory struct {
	mu        sync.Mutex
	failures  map[string][]time.Time
	threshold int
	window    time.Duration
	now       func() time.Time
}

var _ Breaker = (*Memory)(nil)

// NewMemory constructs an in-process breaker.
func NewMemory(threshold int, window time.Duration) *Memory {
	threshold, window = normalize(threshold, window)
	return &Memory{
		failures:  make(map[string][]time.Time),
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// IsOpen prunes expired failures and reports whether the tenant is blocked.
func (m *Memory) IsOpen(ctx context.Context, tenantID string) bool {
	return m.Failures(ctx, tenantID) >= m.threshold
}

// Failures returns the number of failures inside the window.
func (m *Memory) Failures(_ context.Context, tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pruneLocked(tenantID))
}

// RecordFailure appends a failure at the current time.
func (m *Memory) RecordFailure(_ context.Context, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[tenantID] = append(m.pruneLocked(tenantID), m.now())
}

// Clear forgets every failure for the tenant.
func (m *Memory) Clear(_ context.Context, tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, tenantID)
}

func (m *Memory) pruneLocked(tenantID string) []time.Time {
	entries := m.failures[tenantID]
	if len(entries) == 0 {
		return nil
	}
	cutoff := m.now().Add(-m.window)
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(m.failures, tenantID)
		return nil
	}
	m.failures[tenantID] = kept
	return kept
}

func normalize(threshold int, window time.Duration) (int, time.Duration) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return threshold, window
}
