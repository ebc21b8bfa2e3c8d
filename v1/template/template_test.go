package template

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
	"github.com/limbo-world/limbo-locker/v1/lock"
	"github.com/limbo-world/limbo-locker/v1/lock/locktest"
	"github.com/limbo-world/limbo-locker/v1/metrics"
)

var errBusiness = errors.New("business failure")

func params(retry int) Params {
	return Params{WaitTime: -time.Millisecond, HoldTime: 10 * time.Second, RetryTimes: retry}
}

func okOp(ran *int) Operation {
	return func(context.Context) (any, error) {
		*ran++
		return "done", nil
	}
}

func TestInvokeRetriesUntilAcquired(t *testing.T) {
	spy := locktest.NewSpy()
	spy.Acquire = locktest.SucceedOn(4)
	tpl := New(spy)
	ran := 0

	res, err := tpl.Invoke(context.Background(), tpl.GetLock("k"), okOp(&ran), nil, params(4))
	require.NoError(t, err)
	assert.Equal(t, "done", res)
	assert.Equal(t, 1, ran)
	assert.Len(t, spy.Attempts(), 4)
	assert.Equal(t, 1, spy.Releases())
}

func TestInvokeExhaustsRetries(t *testing.T) {
	spy := locktest.NewSpy()
	spy.Acquire = locktest.Never()
	tpl := New(spy)
	ran := 0
	failures := 0
	var got error

	res, err := tpl.Invoke(context.Background(), tpl.GetLock("k"), okOp(&ran), func(_ context.Context, h lock.Handle, err error) (any, error) {
		failures++
		got = err
		return nil, err
	}, params(3))

	assert.Nil(t, res)
	assert.Equal(t, 1, failures)
	assert.Zero(t, ran)
	assert.Len(t, spy.Attempts(), 3)
	assert.Zero(t, spy.Releases())

	var ae *lockerrors.AcquireError
	require.ErrorAs(t, got, &ae)
	assert.Equal(t, 3, ae.Attempts)
	assert.Equal(t, "k", ae.Name)
	assert.False(t, ae.Interrupted())
	assert.ErrorIs(t, err, lockerrors.ErrAcquireTimeout)
	assert.NotErrorIs(t, err, errBusiness)
}

func TestInvokeOperationErrorReleasesOnce(t *testing.T) {
	spy := locktest.NewSpy()
	tpl := New(spy)
	var got error

	_, err := tpl.Invoke(context.Background(), tpl.GetLock("k"), func(context.Context) (any, error) {
		return nil, errBusiness
	}, func(_ context.Context, _ lock.Handle, err error) (any, error) {
		got = err
		// the lock is still held while the handler runs
		assert.Zero(t, spy.Releases())
		return nil, err
	}, params(3))

	assert.ErrorIs(t, err, errBusiness)
	assert.ErrorIs(t, got, errBusiness)
	assert.NotErrorIs(t, got, lockerrors.ErrAcquireTimeout)
	assert.Equal(t, 1, spy.Releases())
}

func TestInvokeDefaultHandlerReturnsOperationError(t *testing.T) {
	tpl := New(locktest.NewSpy())
	_, err := tpl.Invoke(context.Background(), tpl.GetLock("k"), func(context.Context) (any, error) {
		return nil, errBusiness
	}, nil, params(1))
	assert.ErrorIs(t, err, errBusiness)
}

func TestInvokeReleaseNotHeldKeepsResult(t *testing.T) {
	spy := locktest.NewSpy()
	spy.ReleaseErr = lockerrors.ErrNotHeld
	tpl := New(spy)
	before := testutil.ToFloat64(metrics.ReleaseFailures.WithLabelValues(metrics.ReasonNotHeld))
	ran := 0

	res, err := tpl.Invoke(context.Background(), tpl.GetLock("k"), okOp(&ran), nil, params(1))
	require.NoError(t, err)
	assert.Equal(t, "done", res)
	assert.Equal(t, 1, spy.Releases())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ReleaseFailures.WithLabelValues(metrics.ReasonNotHeld)))
}

func TestInvokeReleaseErrorKeepsResult(t *testing.T) {
	spy := locktest.NewSpy()
	spy.ReleaseErr = lockerrors.ErrUnavailable
	tpl := New(spy)
	before := testutil.ToFloat64(metrics.ReleaseFailures.WithLabelValues(metrics.ReasonError))
	ran := 0

	res, err := tpl.Invoke(context.Background(), tpl.GetLock("k"), okOp(&ran), nil, params(1))
	require.NoError(t, err)
	assert.Equal(t, "done", res)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ReleaseFailures.WithLabelValues(metrics.ReasonError)))
}

func TestInvokeReleasesOnPanic(t *testing.T) {
	spy := locktest.NewSpy()
	tpl := New(spy)
	defer func() {
		r := recover()
		assert.Equal(t, "boom", r)
		assert.Equal(t, 1, spy.Releases())
	}()
	_, _ = tpl.Invoke(context.Background(), tpl.GetLock("k"), func(context.Context) (any, error) {
		panic("boom")
	}, nil, params(1))
	t.Fatal("panic did not propagate")
}

func TestParamsAreNormalized(t *testing.T) {
	spy := locktest.NewSpy()
	tpl := New(spy)
	ran := 0

	_, err := tpl.Invoke(context.Background(), tpl.GetLock("k"), okOp(&ran), nil, Params{WaitTime: -5, HoldTime: -1, RetryTimes: 0})
	require.NoError(t, err)
	attempts := spy.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, time.Duration(0), attempts[0].Wait)
	assert.Equal(t, time.Duration(0), attempts[0].Lease)
}

func TestBlockMakesOneUnboundedAttempt(t *testing.T) {
	spy := locktest.NewSpy()
	tpl := New(spy)
	ran := 0

	_, err := tpl.Invoke(context.Background(), tpl.GetLock("k"), okOp(&ran), nil, Params{Block: true, WaitTime: time.Second, HoldTime: time.Minute, RetryTimes: 5})
	require.NoError(t, err)
	attempts := spy.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, lock.WaitForever, attempts[0].Wait)
	assert.Equal(t, time.Minute, attempts[0].Lease)
}

func TestInterruptionStopsRetrying(t *testing.T) {
	spy := locktest.NewSpy()
	ctx, cancel := context.WithCancel(context.Background())
	spy.Acquire = func(context.Context, int) (bool, error) {
		cancel()
		return false, context.Canceled
	}
	tpl := New(spy)
	ran := 0

	_, err := tpl.Invoke(ctx, tpl.GetLock("k"), okOp(&ran), nil, params(5))
	var ae *lockerrors.AcquireError
	require.ErrorAs(t, err, &ae)
	assert.True(t, ae.Interrupted())
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, lockerrors.ErrAcquireTimeout)
	assert.Len(t, spy.Attempts(), 1)
	assert.Zero(t, spy.Releases())
	assert.Zero(t, ran)
}

func TestCancelledContextMakesNoAttempt(t *testing.T) {
	spy := locktest.NewSpy()
	tpl := New(spy)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tpl.TryLock(ctx, tpl.GetLock("k"), params(3))
	var ae *lockerrors.AcquireError
	require.ErrorAs(t, err, &ae)
	assert.True(t, ae.Interrupted())
	assert.Zero(t, ae.Attempts)
	assert.Empty(t, spy.Attempts())
}

func TestServiceErrorsAreRetried(t *testing.T) {
	spy := locktest.NewSpy()
	spy.Acquire = func(context.Context, int) (bool, error) {
		return false, lockerrors.ErrUnavailable
	}
	tpl := New(spy)

	err := tpl.TryLock(context.Background(), tpl.GetLock("k"), params(3))
	assert.ErrorIs(t, err, lockerrors.ErrAcquireTimeout)
	assert.ErrorIs(t, err, lockerrors.ErrUnavailable)
	assert.Len(t, spy.Attempts(), 3)
}

func TestFailureHandlerDegrades(t *testing.T) {
	spy := locktest.NewSpy()
	spy.Acquire = locktest.Never()
	tpl := New(spy)
	ran := 0

	res, err := tpl.Invoke(context.Background(), tpl.GetLock("k"), okOp(&ran), func(context.Context, lock.Handle, error) (any, error) {
		return "fallback", nil
	}, params(1))
	require.NoError(t, err)
	assert.Equal(t, "fallback", res)
}

func TestDo(t *testing.T) {
	spy := locktest.NewSpy()
	tpl := New(spy)
	ctx := context.Background()

	ok := tpl.Do(ctx, tpl.GetLock("k"), func(context.Context) error { return nil }, nil, params(1))
	assert.True(t, ok)

	var handled error
	ok = tpl.Do(ctx, tpl.GetLock("k"), func(context.Context) error { return errBusiness }, func(_ context.Context, _ lock.Handle, err error) {
		handled = err
	}, params(1))
	assert.False(t, ok)
	assert.ErrorIs(t, handled, errBusiness)

	spy.Acquire = locktest.Never()
	ok = tpl.Do(ctx, tpl.GetLock("k"), func(context.Context) error { return nil }, nil, params(2))
	assert.False(t, ok)
	assert.Equal(t, 2, spy.Releases())
}

func TestCall(t *testing.T) {
	spy := locktest.NewSpy()
	tpl := New(spy)

	n, err := Call(context.Background(), tpl, tpl.GetLock("k"), func(context.Context) (int, error) {
		return 42, nil
	}, nil, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	spy.Acquire = locktest.Never()
	n, err = Call(context.Background(), tpl, tpl.GetLock("k"), func(context.Context) (int, error) {
		return 42, nil
	}, nil, DefaultParams())
	assert.ErrorIs(t, err, lockerrors.ErrAcquireTimeout)
	assert.Zero(t, n)

	n, err = Call(context.Background(), tpl, tpl.GetLock("k"), func(context.Context) (int, error) {
		return 42, nil
	}, func(context.Context, lock.Handle, error) (int, error) {
		return -1, nil
	}, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, -1, n)
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.False(t, p.Block)
	assert.Equal(t, 3, p.RetryTimes)
	assert.Equal(t, 100*time.Millisecond, p.WaitTime)
	assert.Equal(t, 100*time.Second, p.HoldTime)
}

func TestInvokeRecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tpl := New(locktest.NewSpy(), WithTracing())
	ran := 0
	_, err := tpl.Invoke(context.Background(), tpl.GetLock("k"), okOp(&ran), nil, params(1))
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Template.Invoke", spans[0].Name())
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "k", attrs["locker.lock"])
	assert.Equal(t, "1", attrs["locker.attempts"])
	assert.Equal(t, "ok", attrs["locker.result"])
}
