package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/operato/modrunner/internal/domain/execution"
	"github.com/operato/modrunner/internal/domain/module"
	"github.com/operato/modrunner/internal/metrics"
	"github.com/operato/modrunner/pkg/logger"
)

// RetryPolicy retries an operation on returned errors with exponential
// backoff: delays follow InitialDelay * BackoffFactor^attempt for a total of
// MaxRetries+1 invocations. A Result with a non-zero exit code is not a
// failure and is never retried.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy mirrors the platform defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, BackoffFactor: 2}
}

// Do runs op until it succeeds or the attempt budget is spent, returning the
// last error.
func (p RetryPolicy) Do(ctx context.Context, op func() (execution.Result, error)) (execution.Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.BackoffFactor
	b.RandomizationFactor = 0
	b.MaxInterval = time.Hour
	b.MaxElapsedTime = 0

	var result execution.Result
	attempt := 0
	err := backoff.Retry(func() error {
		var opErr error
		result, opErr = op()
		if opErr != nil && attempt < p.MaxRetries {
			metrics.RecordRetry()
		}
		attempt++
		return opErr
	}, backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(p.MaxRetries)))
	if err != nil {
		return execution.Result{}, err
	}
	return result, nil
}

// RetryableManager wraps the manager's Execute with the retry policy,
// converting a final failure into a terminal Result.
type RetryableManager struct {
	manager *Manager
	policy  RetryPolicy
	log     *logger.Logger
}

// NewRetryableManager wires a retry policy around the manager.
func NewRetryableManager(manager *Manager, policy RetryPolicy, log *logger.Logger) *RetryableManager {
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &RetryableManager{manager: manager, policy: policy, log: log}
}

// Execute delegates with retries; when every attempt fails the error is
// folded into a Result so callers always get a terminal outcome.
func (r *RetryableManager) Execute(ctx context.Context, req execution.Request) (execution.Result, error) {
	result, err := r.policy.Do(ctx, func() (execution.Result, error) {
		return r.manager.Execute(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			return execution.Result{}, ctx.Err()
		}
		r.log.WithError(err).WithField("module", req.ModuleName).Error("execution failed after retries")
		return execution.Result{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("Failed after %d retries: %v", r.policy.MaxRetries, err),
		}, nil
	}
	return result, nil
}

// Register wires a backend into the wrapped manager.
func (r *RetryableManager) Register(kind module.EnvKind, exec Executor) {
	r.manager.Register(kind, exec)
}

// AvailableKinds lists the wired environment kinds.
func (r *RetryableManager) AvailableKinds() []module.EnvKind {
	return r.manager.AvailableKinds()
}

// Cleanup releases every backend's resources.
func (r *RetryableManager) Cleanup() error {
	return r.manager.Cleanup()
}
