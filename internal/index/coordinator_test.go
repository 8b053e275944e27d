package index

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardex/internal/cluster"
	"github.com/dreamware/shardex/internal/messaging"
	"github.com/dreamware/shardex/internal/region"
)

func newTestCoordinator(m *testMember) *Coordinator {
	return NewCoordinator(NewIndexID("idx", "/orders"), m.dm, zerolog.Nop())
}

func TestDestroyOnRemoteMembersWithoutRecipients(t *testing.T) {
	tc := newTestCluster(t, "m1", "m2")
	tc.createBase(t, "orders", baseAttrs(4, 0), "m1")
	proxy := baseAttrs(4, 0)
	proxy.Shortcut = region.PartitionProxy
	tc.createBase(t, "orders", proxy, "m2")

	var calls atomic.Int32
	tc.member("m2").dm.RegisterHandler(KindDestroyIndex, func(context.Context, messaging.Message) error {
		calls.Add(1)
		return nil
	})

	m1 := tc.member("m1")
	err := newTestCoordinator(m1).DestroyOnRemoteMembers(context.Background(), m1.cache.Region("orders"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDestroyOnRemoteMembersSendsRequest(t *testing.T) {
	tc := newTestCluster(t, "m1", "m2", "m3")
	tc.createBase(t, "orders", baseAttrs(4, 0), "m1", "m2", "m3")

	received := make(chan DestroyRequest, 2)
	for _, id := range []cluster.MemberID{"m2", "m3"} {
		tc.member(id).dm.RegisterHandler(KindDestroyIndex, func(_ context.Context, msg messaging.Message) error {
			var req DestroyRequest
			if err := msg.Decode(&req); err != nil {
				return err
			}
			received <- req
			return nil
		})
	}

	m1 := tc.member("m1")
	require.NoError(t, newTestCoordinator(m1).DestroyOnRemoteMembers(context.Background(), m1.cache.Region("orders")))

	require.Len(t, received, 2)
	req := <-received
	assert.Equal(t, "idx", req.IndexName)
	assert.Equal(t, "/orders", req.RegionPath)
	assert.Equal(t, []cluster.MemberID{"m2", "m3"}, req.Recipients)
	assert.NotEmpty(t, req.ProcessorID)
}

func TestDestroyOnRemoteMembersSwallowsCancellation(t *testing.T) {
	tc := newTestCluster(t, "m1", "m2")
	tc.createBase(t, "orders", baseAttrs(4, 0), "m1", "m2")

	tc.member("m2").signal.Trigger("test shutdown")

	m1 := tc.member("m1")
	err := newTestCoordinator(m1).DestroyOnRemoteMembers(context.Background(), m1.cache.Region("orders"))
	assert.NoError(t, err)
}

func TestDestroyOnRemoteMembersPropagatesFailures(t *testing.T) {
	tc := newTestCluster(t, "m1", "m2", "m3")
	tc.createBase(t, "orders", baseAttrs(4, 0), "m1", "m2", "m3")

	tc.member("m2").signal.Trigger("test shutdown")
	tc.member("m3").dm.RegisterHandler(KindDestroyIndex, func(context.Context, messaging.Message) error {
		return errors.New("disk on fire")
	})

	m1 := tc.member("m1")
	err := newTestCoordinator(m1).DestroyOnRemoteMembers(context.Background(), m1.cache.Region("orders"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.False(t, cluster.IsCancel(err))
	_, ok := errors.Cause(err).(*messaging.RemoteError)
	assert.True(t, ok)
}

func TestDestroyOnRemoteMembersInterruptedByContext(t *testing.T) {
	tc := newTestCluster(t, "m1", "m2")
	tc.createBase(t, "orders", baseAttrs(4, 0), "m1", "m2")

	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	tc.member("m2").dm.RegisterHandler(KindDestroyIndex, func(context.Context, messaging.Message) error {
		close(entered)
		<-release
		return nil
	})

	m1 := tc.member("m1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- newTestCoordinator(m1).DestroyOnRemoteMembers(ctx, m1.cache.Region("orders"))
	}()

	<-entered
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait was not interrupted")
	}
	assert.Equal(t, context.Canceled, ctx.Err())
	assert.NoError(t, m1.signal.CancelInProgress())
}

func TestDestroyOnRemoteMembersInterruptedByShutdown(t *testing.T) {
	tc := newTestCluster(t, "m1", "m2")
	tc.createBase(t, "orders", baseAttrs(4, 0), "m1", "m2")

	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	tc.member("m2").dm.RegisterHandler(KindDestroyIndex, func(context.Context, messaging.Message) error {
		close(entered)
		<-release
		return nil
	})

	m1 := tc.member("m1")
	done := make(chan error, 1)
	go func() {
		done <- newTestCoordinator(m1).DestroyOnRemoteMembers(context.Background(), m1.cache.Region("orders"))
	}()

	<-entered
	m1.signal.Trigger("member stopping")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait was not interrupted")
	}
	assert.True(t, cluster.IsCancel(m1.signal.CancelInProgress()))
}

func TestDestroyOnRemoteMembersDepartedRecipient(t *testing.T) {
	tc := newTestCluster(t, "m1", "m2")
	tc.createBase(t, "orders", baseAttrs(4, 0), "m1", "m2")

	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	tc.member("m2").dm.RegisterHandler(KindDestroyIndex, func(context.Context, messaging.Message) error {
		close(entered)
		<-release
		return nil
	})

	m1 := tc.member("m1")
	done := make(chan error, 1)
	go func() {
		done <- newTestCoordinator(m1).DestroyOnRemoteMembers(context.Background(), m1.cache.Region("orders"))
	}()

	<-entered
	m1.dm.MemberDeparted("m2")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("departure did not release the wait")
	}
}
