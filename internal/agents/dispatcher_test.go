package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/critic/internal/models"
)

// fakeAnalyzer scripts per-agent behavior and records call counts.
type fakeAnalyzer struct {
	mu      sync.Mutex
	calls   map[string]int
	scripts map[string]func(ctx context.Context, attempt int) ([]models.Finding, error)
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		calls:   make(map[string]int),
		scripts: make(map[string]func(ctx context.Context, attempt int) ([]models.Finding, error)),
	}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, role Role, diff string, apiKey string) ([]models.Finding, error) {
	f.mu.Lock()
	attempt := f.calls[role.Name]
	f.calls[role.Name]++
	script := f.scripts[role.Name]
	f.mu.Unlock()

	if script == nil {
		return nil, nil
	}
	return script(ctx, attempt)
}

func (f *fakeAnalyzer) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func returnFindings(findings ...models.Finding) func(context.Context, int) ([]models.Finding, error) {
	return func(context.Context, int) ([]models.Finding, error) {
		return findings, nil
	}
}

func blockUntilDeadline(ctx context.Context, _ int) ([]models.Finding, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func testDispatcher(t *testing.T, analyzer Analyzer) *Dispatcher {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)
	cfg := Config{
		AgentTimeout:  100 * time.Millisecond,
		RetryAttempts: 2,
		RetryBase:     time.Millisecond,
	}
	return NewDispatcher(reg, analyzer, cfg, nil)
}

func TestDispatcherRun(t *testing.T) {
	secFinding := models.Finding{
		Agent: "security", Category: "security",
		Severity: models.SeverityHigh, File: "auth.go", LineStart: 12,
		Title: "hardcoded credential",
	}

	t.Run("all agents succeed", func(t *testing.T) {
		fa := newFakeAnalyzer()
		fa.scripts["security"] = returnFindings(secFinding)

		d := testDispatcher(t, fa)
		findings, statuses, err := d.Run(context.Background(), "diff", models.AgentNames, "sk-test")
		require.NoError(t, err)

		assert.Len(t, findings, 1)
		require.Len(t, statuses, 4)
		for _, name := range models.AgentNames {
			assert.Equal(t, StatusOK, statuses[name], "agent %q", name)
		}
	})

	t.Run("one timeout does not fail the run", func(t *testing.T) {
		fa := newFakeAnalyzer()
		fa.scripts["security"] = returnFindings(secFinding)
		fa.scripts["performance"] = blockUntilDeadline

		d := testDispatcher(t, fa)
		findings, statuses, err := d.Run(context.Background(), "diff", models.AgentNames, "sk-test")
		require.NoError(t, err)

		assert.Equal(t, StatusTimeout, statuses["performance"])
		assert.Equal(t, StatusOK, statuses["security"])
		assert.Len(t, findings, 1)
		assert.Equal(t, 1, fa.callCount("performance"), "timeouts are not retried")
	})

	t.Run("all agents failing fails the run", func(t *testing.T) {
		fa := newFakeAnalyzer()
		for _, name := range models.AgentNames {
			fa.scripts[name] = func(context.Context, int) ([]models.Finding, error) {
				return nil, &CallError{Class: ErrorClassPermanent, Err: errors.New("invalid api key")}
			}
		}

		d := testDispatcher(t, fa)
		findings, statuses, err := d.Run(context.Background(), "diff", models.AgentNames, "sk-bad")
		assert.ErrorIs(t, err, ErrAllAgentsFailed)
		assert.Empty(t, findings)
		for _, name := range models.AgentNames {
			assert.Equal(t, StatusError, statuses[name])
		}
	})

	t.Run("only enabled agents run", func(t *testing.T) {
		fa := newFakeAnalyzer()
		d := testDispatcher(t, fa)

		_, statuses, err := d.Run(context.Background(), "diff", []string{"security", "logic"}, "sk-test")
		require.NoError(t, err)
		assert.Len(t, statuses, 2)
		assert.Zero(t, fa.callCount("performance"))
		assert.Zero(t, fa.callCount("style"))
	})

	t.Run("no enabled agents", func(t *testing.T) {
		d := testDispatcher(t, newFakeAnalyzer())
		findings, statuses, err := d.Run(context.Background(), "diff", nil, "sk-test")
		require.NoError(t, err)
		assert.Empty(t, findings)
		assert.Empty(t, statuses)
	})
}

func TestDispatcherRetry(t *testing.T) {
	t.Run("transient failure retries then succeeds", func(t *testing.T) {
		fa := newFakeAnalyzer()
		fa.scripts["security"] = func(_ context.Context, attempt int) ([]models.Finding, error) {
			if attempt < 2 {
				return nil, &CallError{Class: ErrorClassTransient, Err: errors.New("rate limited")}
			}
			return nil, nil
		}

		d := testDispatcher(t, fa)
		_, statuses, err := d.Run(context.Background(), "diff", []string{"security"}, "sk-test")
		require.NoError(t, err)
		assert.Equal(t, StatusOK, statuses["security"])
		assert.Equal(t, 3, fa.callCount("security"))
	})

	t.Run("quick failure is classified by the error, not the call context", func(t *testing.T) {
		// A call that fails well inside its deadline must take the
		// retry path rather than being recorded as a timeout.
		fa := newFakeAnalyzer()
		fa.scripts["security"] = func(_ context.Context, attempt int) ([]models.Finding, error) {
			if attempt == 0 {
				return nil, &CallError{Class: ErrorClassTransient, Err: errors.New("overloaded")}
			}
			return []models.Finding{{
				Agent: "security", Category: "security",
				Severity: models.SeverityLow, File: "a.go", LineStart: 1, Title: "x",
			}}, nil
		}

		d := testDispatcher(t, fa)
		findings, statuses, err := d.Run(context.Background(), "diff", []string{"security"}, "sk-test")
		require.NoError(t, err)
		assert.Equal(t, StatusOK, statuses["security"])
		assert.Equal(t, 2, fa.callCount("security"))
		assert.Len(t, findings, 1)
	})

	t.Run("transient failure exhausts retries", func(t *testing.T) {
		fa := newFakeAnalyzer()
		fa.scripts["security"] = func(context.Context, int) ([]models.Finding, error) {
			return nil, &CallError{Class: ErrorClassTransient, Err: errors.New("rate limited")}
		}

		d := testDispatcher(t, fa)
		_, statuses, err := d.Run(context.Background(), "diff", []string{"security"}, "sk-test")
		assert.ErrorIs(t, err, ErrAllAgentsFailed)
		assert.Equal(t, StatusError, statuses["security"])
		// First call plus RetryAttempts more.
		assert.Equal(t, 3, fa.callCount("security"))
	})

	t.Run("permanent failure never retries", func(t *testing.T) {
		fa := newFakeAnalyzer()
		fa.scripts["security"] = func(context.Context, int) ([]models.Finding, error) {
			return nil, &CallError{Class: ErrorClassPermanent, Err: errors.New("invalid api key")}
		}

		d := testDispatcher(t, fa)
		_, statuses, _ := d.Run(context.Background(), "diff", []string{"security"}, "sk-test")
		assert.Equal(t, StatusError, statuses["security"])
		assert.Equal(t, 1, fa.callCount("security"))
	})

	t.Run("untagged error never retries", func(t *testing.T) {
		fa := newFakeAnalyzer()
		fa.scripts["security"] = func(context.Context, int) ([]models.Finding, error) {
			return nil, errors.New("unexpected")
		}

		d := testDispatcher(t, fa)
		_, statuses, _ := d.Run(context.Background(), "diff", []string{"security"}, "sk-test")
		assert.Equal(t, StatusError, statuses["security"])
		assert.Equal(t, 1, fa.callCount("security"))
	})

	t.Run("canceled run stops retry waits", func(t *testing.T) {
		fa := newFakeAnalyzer()
		fa.scripts["security"] = func(context.Context, int) ([]models.Finding, error) {
			return nil, &CallError{Class: ErrorClassTransient, RetryAfter: time.Minute, Err: errors.New("rate limited")}
		}

		ctx, cancel := context.WithCancel(context.Background())
		d := testDispatcher(t, fa)

		done := make(chan struct{})
		var statuses map[string]Status
		go func() {
			defer close(done)
			_, statuses, _ = d.Run(ctx, "diff", []string{"security"}, "sk-test")
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("dispatcher did not stop after cancellation")
		}
		assert.Equal(t, StatusTimeout, statuses["security"])
		assert.Equal(t, 1, fa.callCount("security"), "retry-after wait must not elapse")
	})
}
