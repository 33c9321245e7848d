package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// maxObservationsPerOp bounds the in-memory window per operation. At portal
// request rates the newest few thousand samples cover the evaluation window
// comfortably.
const maxObservationsPerOp = 4096

// SLOTarget defines a latency and success objective for one portal
// operation, keyed by the route pattern the HTTP middleware observes.
type SLOTarget struct {
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0-1
	WindowHours int           `json:"window_hours"`
}

// SLOStatus reports current compliance for one operation.
type SLOStatus struct {
	Name             string  `json:"name"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 burns budget faster than allowed
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percent remaining
	ObservationCount int     `json:"observation_count"`
}

type observation struct {
	latency time.Duration
	success bool
	at      time.Time
}

// SLOTracker accumulates per-operation observations and evaluates them
// against registered targets. Safe for concurrent use.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]observation
	clock        func() time.Time
}

func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]observation),
		clock:        time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget registers or replaces the objective for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Observe records one completed operation. Operations without a registered
// target are still recorded so a target added later sees recent history.
func (t *SLOTracker) Observe(operation string, latency time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	obs := append(t.observations[operation], observation{
		latency: latency,
		success: success,
		at:      t.clock(),
	})
	if len(obs) > maxObservationsPerOp {
		obs = obs[len(obs)-maxObservationsPerOp:]
	}
	t.observations[operation] = obs
}

// Status evaluates one operation against its target.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("observability: no slo target for operation %q", operation)
	}
	return t.statusLocked(target), nil
}

// StatusAll evaluates every registered target, ordered by operation name.
func (t *SLOTracker) StatusAll() []*SLOStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	statuses := make([]*SLOStatus, 0, len(ops))
	for _, op := range ops {
		statuses = append(statuses, t.statusLocked(t.targets[op]))
	}
	return statuses
}

func (t *SLOTracker) statusLocked(target *SLOTarget) *SLOStatus {
	windowStart := t.clock().Add(-time.Duration(target.WindowHours) * time.Hour)

	var windowed []observation
	for _, obs := range t.observations[target.Operation] {
		if obs.at.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			Name:            target.Name,
			Operation:       target.Operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.success {
			successCount++
		}
		latencies[i] = float64(obs.latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
	}
	budgetLeft := 100.0 * (1.0 - burnRate)
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		Name:             target.Name,
		Operation:        target.Operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}
}

// RegisterPortalTargets installs the default objectives for the portal's
// hot paths. Operations are route patterns as matched by the mux.
func RegisterPortalTargets(t *SLOTracker) {
	for _, target := range []*SLOTarget{
		{
			Name:        "login",
			Operation:   "POST /login",
			LatencyP99:  800 * time.Millisecond, // bcrypt dominates
			SuccessRate: 0.995,
			WindowHours: 24,
		},
		{
			Name:        "case-read",
			Operation:   "GET /cases/{id}",
			LatencyP99:  300 * time.Millisecond,
			SuccessRate: 0.999,
			WindowHours: 24,
		},
		{
			Name:        "case-list",
			Operation:   "GET /cases",
			LatencyP99:  500 * time.Millisecond,
			SuccessRate: 0.999,
			WindowHours: 24,
		},
		{
			Name:        "thread-post",
			Operation:   "POST /cases/{id}/messages",
			LatencyP99:  400 * time.Millisecond,
			SuccessRate: 0.999,
			WindowHours: 24,
		},
		{
			Name:        "evidence-upload",
			Operation:   "POST /cases/{id}/evidence",
			LatencyP99:  5 * time.Second, // hash + object store round trip
			SuccessRate: 0.995,
			WindowHours: 24,
		},
		{
			Name:        "statement-ingest",
			Operation:   "POST /soa/ingest",
			LatencyP99:  10 * time.Second,
			SuccessRate: 0.99,
			WindowHours: 24,
		},
		{
			Name:        "statement-recompute",
			Operation:   "POST /soa/{case}/recompute",
			LatencyP99:  10 * time.Second,
			SuccessRate: 0.99,
			WindowHours: 24,
		},
	} {
		t.SetTarget(target)
	}
}
