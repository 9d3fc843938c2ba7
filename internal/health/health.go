// Package health runs named subsystem probes for the health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the outcome of probing one subsystem.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Checker probes a single subsystem. It should respect ctx deadlines;
// the registry does not enforce one.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry. An empty registry is healthy.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named checker. Checkers run in registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker and returns the aggregate verdict plus
// the per-subsystem results, each stamped with its probe latency.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		start := time.Now()
		statuses[i] = nc.check(ctx)
		statuses[i].LatencyMS = time.Since(start).Milliseconds()
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
