package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Operation is a generic remote call: it performs a query or mutation
// against the remote store and may fail. The core never sees the shape of
// the records it returns.
type Operation func(ctx context.Context) (any, error)

// ExecutorConfig configures the protection around remote operations.
type ExecutorConfig struct {
	Breaker     BreakerConfig
	CallTimeout time.Duration // Upper bound for a single remote call
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Breaker:     DefaultBreakerConfig(),
		CallTimeout: 5 * time.Second,
	}
}

// Executor wraps remote operations with deduplication, circuit breaking and
// a per-call timeout, in that order: an identical in-flight call is joined
// before the breaker is consulted, so a burst of duplicates counts as one
// call against the remote.
type Executor struct {
	breaker     *Breaker
	dedup       *Deduplicator
	callTimeout time.Duration
	logger      *zap.Logger
}

// NewExecutor creates an executor for one protected operation class.
func NewExecutor(name string, config ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultExecutorConfig().CallTimeout
	}

	return &Executor{
		breaker:     NewBreaker(name, config.Breaker, logger),
		dedup:       NewDeduplicator(),
		callTimeout: config.CallTimeout,
		logger:      logger,
	}
}

// Execute runs op under full protection. The dedup key is derived from the
// operation name and its arguments; identical concurrent calls share one
// execution. A caller whose context expires stops waiting, but the call
// itself continues for any other attached callers.
func (e *Executor) Execute(ctx context.Context, operation string, op Operation, args ...any) (any, error) {
	key := DedupKey(operation, args...)

	ch := e.dedup.DoChan(key, func() (any, error) {
		var result any
		err := e.breaker.Execute(func() error {
			callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.callTimeout)
			defer cancel()

			var err error
			result, err = op(callCtx)
			return err
		})
		if err != nil {
			e.logger.Debug("remote operation failed",
				zap.String("operation", operation),
				zap.Error(err),
			)
			return nil, err
		}
		return result, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Breaker exposes the underlying breaker for state snapshots and the
// emergency reset control.
func (e *Executor) Breaker() *Breaker {
	return e.breaker
}
