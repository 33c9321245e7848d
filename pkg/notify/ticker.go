package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PostureTransition records one case crossing an SLA posture boundary.
type PostureTransition struct {
	CaseID         string
	TenantID       string
	VendorID       string
	Subject        string
	AssignedUserID string
	From           string
	To             string
}

// PostureSource sweeps open cases and reports posture changes since the last
// sweep. The case registry implements it.
type PostureSource interface {
	SLATransitions(ctx context.Context, now time.Time) ([]PostureTransition, error)
}

// Ticker periodically sweeps SLA postures and raises one notification per
// transition. Because the source only reports changes, a case sitting in
// overdue across many ticks notifies exactly once.
type Ticker struct {
	source   PostureSource
	notifier *Notifier
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	observe  func(ctx context.Context, name string) (context.Context, func(error))
}

// TickerOption customizes a Ticker.
type TickerOption func(*Ticker)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) TickerOption {
	return func(t *Ticker) { t.clock = clock }
}

// WithSweepObserver wraps every sweep in an observation callback, typically
// a tracing span. The returned func receives the sweep error.
func WithSweepObserver(observe func(ctx context.Context, name string) (context.Context, func(error))) TickerOption {
	return func(t *Ticker) { t.observe = observe }
}

func NewTicker(source PostureSource, notifier *Notifier, interval time.Duration, logger *slog.Logger, opts ...TickerOption) *Ticker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Ticker{
		source:   source,
		notifier: notifier,
		interval: interval,
		clock:    time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run sweeps immediately and then on every tick until the context is done.
func (t *Ticker) Run(ctx context.Context) {
	if err := t.Sweep(ctx); err != nil {
		t.logger.Error("sla sweep failed", "error", err)
	}
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Sweep(ctx); err != nil {
				t.logger.Error("sla sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass: fetch transitions, notify the assignee or, when the
// case is unassigned, the tenant's internal users.
func (t *Ticker) Sweep(ctx context.Context) (err error) {
	if t.observe != nil {
		var done func(error)
		ctx, done = t.observe(ctx, "sla.sweep")
		defer func() { done(err) }()
	}

	transitions, err := t.source.SLATransitions(ctx, t.clock().UTC())
	if err != nil {
		return fmt.Errorf("notify: sla sweep: %w", err)
	}

	for _, tr := range transitions {
		ev := Event{
			TenantID: tr.TenantID,
			CaseID:   tr.CaseID,
			Kind:     KindForPosture(tr.To),
			Title:    postureTitle(tr.To),
			Body:     fmt.Sprintf("Case %q moved from %s to %s.", tr.Subject, tr.From, tr.To),
		}
		if tr.AssignedUserID != "" {
			t.notifier.NotifyUsers(ctx, []string{tr.AssignedUserID}, ev)
			continue
		}
		t.notifier.NotifyInternal(ctx, ev)
	}

	if len(transitions) > 0 {
		t.logger.Info("sla sweep complete", "transitions", len(transitions))
	}
	return nil
}

func postureTitle(posture string) string {
	switch posture {
	case "overdue":
		return "SLA overdue"
	case "due_today":
		return "SLA due today"
	case "approaching":
		return "SLA approaching"
	default:
		return "SLA back on track"
	}
}
