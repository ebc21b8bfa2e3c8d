// Package template runs operations under distributed locks obtained from a
// lock.Service. Template acquires a single or composite handle with bounded
// retry, runs the operation and always releases what it acquired;
// MultiTemplate builds composite handles from ordered lock names.
package template

import (
	"context"
	"errors"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
	"github.com/limbo-world/limbo-locker/v1/lock"
	"github.com/limbo-world/limbo-locker/v1/metrics"
)

var tracer = otel.Tracer("github.com/limbo-world/limbo-locker/v1/template")

// Params controls one acquisition.
type Params struct {
	// Block waits for the lock without bound other than the context. The
	// wait time and retry count are ignored.
	Block bool
	// WaitTime bounds each attempt. Negative values mean a single check.
	WaitTime time.Duration
	// HoldTime is the lease after which the lock expires even if the
	// operation is still running. Zero or less disables it.
	HoldTime time.Duration
	// RetryTimes is the number of attempts. Zero or less means one.
	RetryTimes int
}

// DefaultParams returns the parameters used for direct, non-declarative
// locking: three attempts of up to 100ms each and a 100s lease.
func DefaultParams() Params {
	return Params{
		WaitTime:   100 * time.Millisecond,
		HoldTime:   100 * time.Second,
		RetryTimes: 3,
	}
}

// normalize clamps p into the values handed to lock.Service.TryAcquire.
func (p Params) normalize() (wait, lease time.Duration, attempts int) {
	wait = max(p.WaitTime, 0)
	lease = max(p.HoldTime, 0)
	attempts = max(p.RetryTimes, 1)
	if p.Block {
		wait = lock.WaitForever
		attempts = 1
	}
	return wait, lease, attempts
}

// Operation is the work guarded by a lock.
type Operation func(ctx context.Context) (any, error)

// FailureHandler receives either an *errors.AcquireError, when the lock was
// not obtained, or the error returned by the operation. Its results become
// the results of the invocation. h is nil when no handle could be built.
type FailureHandler func(ctx context.Context, h lock.Handle, err error) (any, error)

// ReturnError is the FailureHandler that hands the error back unchanged.
func ReturnError(_ context.Context, _ lock.Handle, err error) (any, error) {
	return nil, err
}

// Template acquires locks from a lock.Service and runs operations under
// them. It is safe for concurrent use.
type Template struct {
	service      lock.Service
	logger       *zap.Logger
	traceEnabled bool
}

// Option configures a Template.
type Option func(*Template)

// WithLogger sets the logger of the Template.
func WithLogger(l *zap.Logger) Option {
	return func(t *Template) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithTracing records an OpenTelemetry span for every invocation.
func WithTracing() Option {
	return func(t *Template) { t.traceEnabled = true }
}

// New returns a Template acquiring locks from svc.
func New(svc lock.Service, opts ...Option) *Template {
	t := &Template{service: svc, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Service returns the lock service of the Template.
func (t *Template) Service() lock.Service {
	return t.service
}

// GetLock returns the handle of the lock called name.
func (t *Template) GetLock(name string) lock.Handle {
	return t.service.GetLock(name)
}

// TryLock acquires h according to p. It returns an *errors.AcquireError
// when the lock could not be obtained.
func (t *Template) TryLock(ctx context.Context, h lock.Handle, p Params) error {
	_, err := t.acquire(ctx, h, p)
	return err
}

func (t *Template) acquire(ctx context.Context, h lock.Handle, p Params) (int, error) {
	name := DisplayName(t.service, h)
	wait, lease, attempts := p.normalize()

	var lastErr error
	for i := 1; i <= attempts; i++ {
		if i > 1 {
			// let the current holder make progress
			runtime.Gosched()
		}
		if err := ctx.Err(); err != nil {
			return i - 1, t.interrupted(name, i-1, err)
		}
		t.logger.Debug("trying lock", zap.String("lock", name), zap.Int("attempt", i))
		metrics.AcquireAttempts.Inc()
		ok, err := t.service.TryAcquire(ctx, h, wait, lease)
		if ok {
			metrics.AcquireResults.WithLabelValues(metrics.ResultAcquired).Inc()
			t.logger.Info("lock acquired", zap.String("lock", name), zap.Int("attempt", i))
			return i, nil
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return i, t.interrupted(name, i, err)
			}
			t.logger.Debug("lock attempt failed", zap.String("lock", name), zap.Int("attempt", i), zap.Error(err))
			lastErr = err
		}
	}
	metrics.AcquireResults.WithLabelValues(metrics.ResultTimeout).Inc()
	t.logger.Info("lock acquisition failed",
		zap.String("lock", name),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return attempts, &lockerrors.AcquireError{Name: name, Attempts: attempts, Cause: lastErr}
}

func (t *Template) interrupted(name string, attempts int, cause error) error {
	metrics.AcquireResults.WithLabelValues(metrics.ResultInterrupted).Inc()
	t.logger.Warn("lock acquisition interrupted",
		zap.String("lock", name),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	return &lockerrors.AcquireError{Name: name, Attempts: attempts, Cause: cause}
}

// Unlock releases h. Failures are logged and counted, then returned for
// callers managing locks by hand.
func (t *Template) Unlock(ctx context.Context, h lock.Handle) error {
	name := DisplayName(t.service, h)
	err := t.service.Release(ctx, h)
	switch {
	case err == nil:
		t.logger.Info("lock released", zap.String("lock", name))
	case errors.Is(err, lockerrors.ErrNotHeld):
		metrics.ReleaseFailures.WithLabelValues(metrics.ReasonNotHeld).Inc()
		t.logger.Warn("lock no longer held at release", zap.String("lock", name), zap.Error(err))
	default:
		metrics.ReleaseFailures.WithLabelValues(metrics.ReasonError).Inc()
		t.logger.Error("lock release failed", zap.String("lock", name), zap.Error(err))
	}
	return err
}

// Invoke acquires h, runs op and releases h. When the lock is not obtained
// onFailure gets an *errors.AcquireError and nothing is released. An error
// from op is handed to onFailure while the lock is still held. The release
// happens exactly once, also when op panics, and its failure never changes
// the result. A nil onFailure behaves like ReturnError.
func (t *Template) Invoke(ctx context.Context, h lock.Handle, op Operation, onFailure FailureHandler, p Params) (any, error) {
	if onFailure == nil {
		onFailure = ReturnError
	}
	var span trace.Span
	if t.traceEnabled {
		ctx, span = tracer.Start(ctx, "Template.Invoke")
		defer span.End()
		span.SetAttributes(attribute.String("locker.lock", DisplayName(t.service, h)))
	}

	attempts, err := t.acquire(ctx, h, p)
	if t.traceEnabled {
		span.SetAttributes(attribute.Int("locker.attempts", attempts))
	}
	if err != nil {
		if t.traceEnabled {
			span.SetAttributes(attribute.String("locker.result", "not_acquired"))
			span.RecordError(err)
		}
		return onFailure(ctx, h, err)
	}

	acquiredAt := time.Now()
	defer func() {
		metrics.HoldDuration.Observe(time.Since(acquiredAt).Seconds())
		_ = t.Unlock(context.WithoutCancel(ctx), h)
	}()

	res, err := op(ctx)
	if err != nil {
		if t.traceEnabled {
			span.SetAttributes(attribute.String("locker.result", "operation_failed"))
			span.RecordError(err)
		}
		return onFailure(ctx, h, err)
	}
	if t.traceEnabled {
		span.SetAttributes(attribute.String("locker.result", "ok"))
	}
	return res, nil
}

// Do is Invoke for operations without a result. It reports whether the
// lock was obtained and op succeeded.
func (t *Template) Do(ctx context.Context, h lock.Handle, op func(ctx context.Context) error, onFailure func(ctx context.Context, h lock.Handle, err error), p Params) bool {
	_, err := t.Invoke(ctx, h, func(ctx context.Context) (any, error) {
		return nil, op(ctx)
	}, func(ctx context.Context, h lock.Handle, err error) (any, error) {
		if onFailure != nil {
			onFailure(ctx, h, err)
		}
		return nil, err
	}, p)
	return err == nil
}

// Call is the typed form of Template.Invoke. A nil onFailure returns the
// zero value and the error.
func Call[T any](ctx context.Context, t *Template, h lock.Handle, op func(ctx context.Context) (T, error), onFailure func(ctx context.Context, h lock.Handle, err error) (T, error), p Params) (T, error) {
	res, err := t.Invoke(ctx, h, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, func(ctx context.Context, h lock.Handle, err error) (any, error) {
		if onFailure == nil {
			var zero T
			return zero, err
		}
		return onFailure(ctx, h, err)
	}, p)
	v, _ := res.(T)
	return v, err
}
