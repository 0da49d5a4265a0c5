package backplane

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionRefCounting(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newSubscriptionManager(ctx, "groups", NewKeyedMutex(), zerolog.Nop())
	const topic = "backplane.test.group.g"

	var opens atomic.Int32
	open := func(lifetime context.Context, _ *SessionSet) error {
		opens.Add(1)
		_, err := b.Subscribe(lifetime, topic)
		return err
	}
	live := func() bool { return b.SubscriberCount(topic) > 0 }

	a := newSession(newFakeConn("a", ""))
	bb := newSession(newFakeConn("b", ""))

	require.False(t, live())

	set, err := m.Add(ctx, topic, a, open)
	require.NoError(t, err)
	assert.True(t, live())
	assert.Equal(t, 1, set.Len())

	set2, err := m.Add(ctx, topic, bb, open)
	require.NoError(t, err)
	assert.True(t, live())
	assert.Same(t, set, set2, "subscribers share the live set")
	assert.Equal(t, 2, set.Len())

	require.NoError(t, m.Remove(ctx, topic, a))
	assert.True(t, live())
	assert.True(t, m.Has(topic))

	require.NoError(t, m.Remove(ctx, topic, bb))
	assert.False(t, m.Has(topic))
	require.Eventually(t, func() bool { return !live() }, waitFor, tick)

	assert.Equal(t, int32(1), opens.Load(), "topic must be opened exactly once")
}

func TestSubscriptionResubscribeAfterEmpty(t *testing.T) {
	ctx := context.Background()
	m := newSubscriptionManager(ctx, "users", NewKeyedMutex(), zerolog.Nop())

	var lifetimes []context.Context
	open := func(lifetime context.Context, _ *SessionSet) error {
		lifetimes = append(lifetimes, lifetime)
		return nil
	}
	s := newSession(newFakeConn("a", ""))

	_, err := m.Add(ctx, "t", s, open)
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, "t", s))
	_, err = m.Add(ctx, "t", s, open)
	require.NoError(t, err)

	require.Len(t, lifetimes, 2)
	assert.Error(t, lifetimes[0].Err(), "first lifetime cancelled when the set emptied")
	assert.NoError(t, lifetimes[1].Err())
}

func TestSubscriptionRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newSubscriptionManager(ctx, "connections", NewKeyedMutex(), zerolog.Nop())

	var cancelled atomic.Int32
	open := func(lifetime context.Context, _ *SessionSet) error {
		context.AfterFunc(lifetime, func() { cancelled.Add(1) })
		return nil
	}
	a := newSession(newFakeConn("a", ""))
	stranger := newSession(newFakeConn("z", ""))

	require.NoError(t, m.Remove(ctx, "unknown", a))

	_, err := m.Add(ctx, "t", a, open)
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, "t", stranger))
	assert.True(t, m.Has("t"))

	require.NoError(t, m.Remove(ctx, "t", a))
	require.NoError(t, m.Remove(ctx, "t", a))
	require.Eventually(t, func() bool { return cancelled.Load() == 1 }, waitFor, tick)
	assert.Equal(t, int32(1), cancelled.Load())
}

func TestSubscriptionRejectsClosingConnection(t *testing.T) {
	ctx := context.Background()
	m := newSubscriptionManager(ctx, "connections", NewKeyedMutex(), zerolog.Nop())

	c := newFakeConn("a", "")
	c.Close()

	_, err := m.Add(ctx, "t", newSession(c), func(context.Context, *SessionSet) error {
		t.Fatal("open must not run for a closing connection")
		return nil
	})
	assert.ErrorIs(t, err, ErrConnectionClosing)
	assert.False(t, m.Has("t"))
}

func TestSubscriptionOpenFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	m := newSubscriptionManager(ctx, "groups", NewKeyedMutex(), zerolog.Nop())
	boom := errors.New("boom")

	s := newSession(newFakeConn("a", ""))
	_, err := m.Add(ctx, "t", s, func(context.Context, *SessionSet) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, m.Has("t"))
	assert.Empty(t, m.Subscribers("t"))

	_, err = m.Add(ctx, "t", s, func(context.Context, *SessionSet) error { return nil })
	require.NoError(t, err)
	assert.True(t, m.Has("t"))
}

func TestSubscriptionConcurrentChurn(t *testing.T) {
	ctx := context.Background()
	m := newSubscriptionManager(ctx, "groups", NewKeyedMutex(), zerolog.Nop())

	var opens, closes atomic.Int32
	open := func(lifetime context.Context, _ *SessionSet) error {
		opens.Add(1)
		context.AfterFunc(lifetime, func() { closes.Add(1) })
		return nil
	}

	sessions := make([]*Session, 16)
	for i := range sessions {
		sessions[i] = newSession(newFakeConn(string(rune('a'+i)), ""))
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := m.Add(ctx, "t", s, open); !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, m.Remove(ctx, "t", s))
			}
		}()
	}
	wg.Wait()

	assert.False(t, m.Has("t"))
	require.Eventually(t, func() bool { return opens.Load() == closes.Load() }, waitFor, tick,
		"every opened subscription must be cancelled exactly once")
}
