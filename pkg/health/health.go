package health

import (
	"context"
	"sync"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

func passed(start time.Time, msg string) Result {
	return Result{Healthy: true, Message: msg, CheckedAt: start, Duration: time.Since(start)}
}

func failed(start time.Time, msg string) Result {
	return Result{Message: msg, CheckedAt: start, Duration: time.Since(start)}
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config holds the thresholds applied to a node's check results
type Config struct {
	// Timeout bounds a single check
	Timeout time.Duration

	// Retries is the number of consecutive failures before a node is
	// considered down
	Retries int

	// Recoveries is the number of consecutive successes before a down node
	// is considered back
	Recoveries int
}

// DefaultConfig returns the thresholds used by the resource monitor
func DefaultConfig() Config {
	return Config{
		Timeout:    5 * time.Second,
		Retries:    3,
		Recoveries: 1,
	}
}

// Status tracks the health of one node across scans
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy is the thresholded verdict, not the last result
	Healthy bool
}

// NewStatus creates a Status that starts healthy
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a new result into the status and reports whether the
// thresholded verdict changed.
func (s *Status) Update(result Result, config Config) (changed bool) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result
	was := s.Healthy

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		if s.ConsecutiveSuccesses >= max(config.Recoveries, 1) {
			s.Healthy = true
		}
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= max(config.Retries, 1) {
			s.Healthy = false
		}
	}
	return was != s.Healthy
}

// Tracker keeps a Status per node ID
type Tracker struct {
	config   Config
	mu       sync.Mutex
	statuses map[string]*Status
}

// NewTracker creates a tracker applying config to every node
func NewTracker(config Config) *Tracker {
	return &Tracker{
		config:   config,
		statuses: make(map[string]*Status),
	}
}

// Observe records a result for a node. It returns the node's verdict and
// whether that verdict changed with this result.
func (t *Tracker) Observe(nodeID string, result Result) (healthy, changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.statuses[nodeID]
	if !ok {
		st = NewStatus()
		t.statuses[nodeID] = st
	}
	changed = st.Update(result, t.config)
	return st.Healthy, changed
}

// Get returns a copy of a node's status
func (t *Tracker) Get(nodeID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.statuses[nodeID]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Forget drops a node, e.g. after deregistration
func (t *Tracker) Forget(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.statuses, nodeID)
}

// Nodes returns the IDs of all tracked nodes
func (t *Tracker) Nodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.statuses))
	for id := range t.statuses {
		ids = append(ids, id)
	}
	return ids
}
