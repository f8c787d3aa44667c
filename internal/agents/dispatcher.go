package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joescharf/critic/internal/models"
)

// Status is the terminal outcome of one agent's analysis.
type Status string

const (
	StatusOK      Status = "ok"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// ErrorClass partitions analyzer failures into retryable and
// non-retryable. Only transient failures are retried.
type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

// CallError is the tagged failure result of a single model call.
type CallError struct {
	Class      ErrorClass
	RetryAfter time.Duration // provider-supplied hint, 0 when absent
	Err        error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s model call failure: %v", e.Class, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Analyzer is the model-invocation collaborator: one call per agent,
// returning parsed findings or a classified CallError.
type Analyzer interface {
	Analyze(ctx context.Context, role Role, diff string, apiKey string) ([]models.Finding, error)
}

// ErrAllAgentsFailed signals that every enabled agent failed, which
// fails the whole run. Any single agent succeeding keeps the run alive.
var ErrAllAgentsFailed = errors.New("all enabled agents failed")

// Config bounds dispatcher timing and retries.
type Config struct {
	AgentTimeout  time.Duration // per-call ceiling, including retries' individual calls
	RetryAttempts int           // additional attempts after the first, transient failures only
	RetryBase     time.Duration // first backoff delay, doubled each retry
}

// DefaultConfig returns the production dispatch parameters.
func DefaultConfig() Config {
	return Config{
		AgentTimeout:  30 * time.Second,
		RetryAttempts: 2,
		RetryBase:     500 * time.Millisecond,
	}
}

// Dispatcher fans a diff out to the enabled agents concurrently and
// collects their findings. Agent calls never serialize against each
// other; the only synchronization point is the final wait.
type Dispatcher struct {
	registry *Registry
	analyzer Analyzer
	cfg      Config
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given registry and
// analyzer.
func NewDispatcher(registry *Registry, analyzer Analyzer, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, analyzer: analyzer, cfg: cfg, logger: logger}
}

type agentResult struct {
	name     string
	findings []models.Finding
	status   Status
}

// Run invokes every enabled agent against the diff and returns all
// collected findings plus each agent's terminal status. The api key is
// used only for the duration of the calls and never retained.
//
// Run returns ErrAllAgentsFailed only when no enabled agent produced a
// result; partial failure is reflected in the status map, not the error.
func (d *Dispatcher) Run(ctx context.Context, diff string, enabled []string, apiKey string) ([]models.Finding, map[string]Status, error) {
	if len(enabled) == 0 {
		return nil, map[string]Status{}, nil
	}

	results := make(chan agentResult, len(enabled))
	var wg sync.WaitGroup

	for _, name := range enabled {
		role, ok := d.registry.Get(name)
		if !ok {
			// Unknown names cannot come from normalized settings;
			// surface loudly in the status map rather than panic.
			results <- agentResult{name: name, status: StatusError}
			continue
		}

		wg.Add(1)
		go func(role Role) {
			defer wg.Done()
			findings, status := d.runAgent(ctx, role, diff, apiKey)
			results <- agentResult{name: role.Name, findings: findings, status: status}
		}(role)
	}

	wg.Wait()
	close(results)

	var findings []models.Finding
	statuses := make(map[string]Status, len(enabled))
	anyOK := false
	for res := range results {
		statuses[res.name] = res.status
		if res.status == StatusOK {
			anyOK = true
			findings = append(findings, res.findings...)
		}
	}

	if !anyOK {
		return nil, statuses, ErrAllAgentsFailed
	}
	return findings, statuses, nil
}

// runAgent performs one agent's call with per-call timeout and bounded
// retry. Transient failures (rate limits, network timeouts) retry with
// exponential backoff, honoring the provider's retry-after hint when
// present. Permanent failures (auth rejection, unparseable output)
// fail fast.
func (d *Dispatcher) runAgent(ctx context.Context, role Role, diff string, apiKey string) ([]models.Finding, Status) {
	backoff := d.cfg.RetryBase

	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.AgentTimeout)
		findings, err := d.analyzer.Analyze(callCtx, role, diff, apiKey)
		// Read the context state before cancel taints it: after cancel()
		// the call context always reports Canceled, even for calls that
		// returned well inside the deadline.
		timedOut := callCtx.Err() != nil
		cancel()

		if err == nil {
			return findings, StatusOK
		}

		if timedOut || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Per-call ceiling or run deadline expired; the call is
			// abandoned, not retried.
			d.logger.Warn("agent timed out", "agent", role.Name, "attempt", attempt)
			return nil, StatusTimeout
		}

		var callErr *CallError
		if !errors.As(err, &callErr) || callErr.Class != ErrorClassTransient {
			d.logger.Warn("agent failed", "agent", role.Name, "attempt", attempt, "error", err)
			return nil, StatusError
		}

		if attempt >= d.cfg.RetryAttempts {
			d.logger.Warn("agent exhausted retries", "agent", role.Name, "attempts", attempt+1, "error", err)
			return nil, StatusError
		}

		delay := backoff
		if callErr.RetryAfter > 0 {
			delay = callErr.RetryAfter
		}
		backoff *= 2

		d.logger.Debug("agent retrying", "agent", role.Name, "attempt", attempt, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, StatusTimeout
		}
	}
}
