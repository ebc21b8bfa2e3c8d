package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	lockerrors "github.com/limbo-world/limbo-locker/v1/errors"
	"github.com/limbo-world/limbo-locker/v1/lock"
)

// newService connects to the etcd cluster named by LOCKER_TEST_ETCD_ENDPOINTS
// (comma separated). Each test gets its own key prefix.
func newService(t *testing.T) *Service {
	t.Helper()
	endpoints := os.Getenv("LOCKER_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("LOCKER_TEST_ETCD_ENDPOINTS not set")
	}
	client, err := NewClient(strings.Split(endpoints, ","), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return New(client, WithPrefix("/locker-test/"+uuid.NewString()+"/"), WithSessionTTL(5))
}

func TestDisplayNameWithoutCluster(t *testing.T) {
	s := New(nil)
	multi := s.GetCompositeLock(s.GetLock("a"), s.GetLock("b"))
	require.Equal(t, "[a,b]", s.DisplayName(multi))
	require.Equal(t, "", s.DisplayName(lock.NewInMemory(nil).GetLock("a")))

	_, err := s.TryAcquire(context.Background(), lock.NewInMemory(nil).GetLock("a"), 0, 0)
	require.ErrorIs(t, err, lockerrors.ErrUnknownHandle)
	require.ErrorIs(t, s.Release(context.Background(), s.GetLock("a")), lockerrors.ErrNotHeld)
}

func TestTryAcquireRelease(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	h := s.GetLock("k")
	ok, err := s.TryAcquire(ctx, h, 0, 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.TryAcquire(ctx, s.GetLock("k"), 0, 0)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Release(ctx, h))

	next := s.GetLock("k")
	ok, err = s.TryAcquire(ctx, next, 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Release(ctx, next))
}

func TestWaitTimeout(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	h := s.GetLock("k")
	ok, err := s.TryAcquire(ctx, h, 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	defer s.Release(ctx, h)

	ok, err = s.TryAcquire(ctx, s.GetLock("k"), 100*time.Millisecond, 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompositeRollback(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	b := s.GetLock("b")
	ok, err := s.TryAcquire(ctx, b, 0, 0)
	require.NoError(t, err)
	require.True(t, ok)

	multi := s.GetCompositeLock(s.GetLock("a"), s.GetLock("b"))
	ok, err = s.TryAcquire(ctx, multi, 0, 0)
	require.NoError(t, err)
	require.False(t, ok)

	a := s.GetLock("a")
	ok, err = s.TryAcquire(ctx, a, 0, 0)
	require.NoError(t, err)
	require.True(t, ok, "a must be free after the composite rolled back")
	require.NoError(t, s.Release(ctx, a))
	require.NoError(t, s.Release(ctx, b))
}

func TestLeaseExpiry(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	h := s.GetLock("k")
	ok, err := s.TryAcquire(ctx, h, 0, 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	next := s.GetLock("k")
	ok, err = s.TryAcquire(ctx, next, 2*time.Second, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, s.Release(ctx, h), lockerrors.ErrNotHeld)
	require.NoError(t, s.Release(ctx, next))
}
