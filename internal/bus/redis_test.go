package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, mr
}

func TestService_PublishSubscribeRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Envelope, 1)
	var wg sync.WaitGroup
	svc.Subscribe(ctx, "room-1", &wg, func(env Envelope) {
		received <- env
	})

	// miniredis delivers pub/sub asynchronously; give the subscriber a moment
	// to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.Publish(ctx, "room-1", "user_joined", map[string]string{"identity": "client-a"}, "sender-1"))

	select {
	case env := <-received:
		assert.Equal(t, "room-1", env.RoomID)
		assert.Equal(t, "user_joined", env.Event)
		assert.Equal(t, "sender-1", env.SenderID)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive published envelope")
	}
}

func TestService_SetAddRemMembers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetAdd(ctx, "roster:room-1", "client-a"))
	require.NoError(t, svc.SetAdd(ctx, "roster:room-1", "coach-b"))

	members, err := svc.SetMembers(ctx, "roster:room-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"client-a", "coach-b"}, members)

	require.NoError(t, svc.SetRem(ctx, "roster:room-1", "client-a"))
	members, err = svc.SetMembers(ctx, "roster:room-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"coach-b"}, members)
}

func TestService_NilServiceMethodsAreNoOps(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	assert.NoError(t, svc.Publish(ctx, "room-1", "event", nil, "sender"))
	assert.NoError(t, svc.SetAdd(ctx, "key", "member"))
	assert.NoError(t, svc.SetRem(ctx, "key", "member"))
	members, err := svc.SetMembers(ctx, "key")
	assert.NoError(t, err)
	assert.Nil(t, members)
	assert.NoError(t, svc.Ping(ctx))
	assert.NoError(t, svc.Close())
}

func TestService_PingDetectsOutage(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()

	err := svc.Ping(context.Background())
	assert.Error(t, err)
}
