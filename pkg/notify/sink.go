package notify

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// sinkClient delivers webhook posts with retries and a circuit breaker.
// Transient failures (transport errors, 5xx) are retried with exponential
// backoff and jitter; a flapping sink eventually opens the circuit so event
// writers stop burning their deadline on it.
type sinkClient struct {
	client      *http.Client
	retries     int
	backoffBase time.Duration
	breaker     *breaker
}

func newSinkClient() *sinkClient {
	return &sinkClient{
		client:      &http.Client{Timeout: 5 * time.Second},
		retries:     2,
		backoffBase: 200 * time.Millisecond,
		breaker:     newBreaker(5, 30*time.Second),
	}
}

// post sends one JSON payload. A 4xx response is returned without retrying;
// a misconfigured sink does not get better on the second attempt.
func (c *sinkClient) post(ctx context.Context, url string, body []byte) error {
	if !c.breaker.allow() {
		return fmt.Errorf("notify: sink circuit open")
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("notify: sink request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			req.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-%s",
				sc.TraceID(), sc.SpanID(), sc.TraceFlags()))
		}

		resp, err := c.client.Do(req)
		switch {
		case err != nil:
			lastErr = err
		case resp.StatusCode >= 500:
			resp.Body.Close()
			lastErr = fmt.Errorf("notify: sink returned %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			// The sink is up and said no. That is its call to make.
			resp.Body.Close()
			c.breaker.success()
			return fmt.Errorf("notify: sink rejected event with %d", resp.StatusCode)
		default:
			resp.Body.Close()
			c.breaker.success()
			return nil
		}

		if attempt == c.retries {
			break
		}
		delay := c.backoffBase<<attempt + rand.N(c.backoffBase/2+1)
		select {
		case <-ctx.Done():
			c.breaker.failure()
			return fmt.Errorf("notify: sink post cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	c.breaker.failure()
	return lastErr
}

const (
	breakerClosed = iota
	breakerOpen
	breakerHalfOpen
)

// breaker is a three-state circuit breaker. After threshold consecutive
// failed deliveries the circuit opens; once the reset window passes, one
// probe is let through and its outcome decides the next state.
type breaker struct {
	mu        sync.Mutex
	threshold int
	reset     time.Duration
	failures  int
	openedAt  time.Time
	state     int
}

func newBreaker(threshold int, reset time.Duration) *breaker {
	return &breaker{threshold: threshold, reset: reset}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerOpen {
		if time.Since(b.openedAt) > b.reset {
			b.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold || b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}
