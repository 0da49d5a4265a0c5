package backplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonoton/go-backplane/bus"
	"github.com/jonoton/go-backplane/membus"
)

func TestGroupFanOut(t *testing.T) {
	h, b := newTestHub(t)
	ctx := context.Background()
	a, bb, c := newFakeConn("a", ""), newFakeConn("b", ""), newFakeConn("c", "")
	connect(t, h, a, bb, c)

	require.NoError(t, h.AddToGroup(ctx, "a", "room1"))
	require.NoError(t, h.AddToGroup(ctx, "b", "room1"))
	assert.Equal(t, 1, b.SubscriberCount(h.Topics().Group("room1")), "one bus subscription per group")

	require.NoError(t, h.SendGroup(ctx, "room1", "chat", []any{"hi"}))
	requireDeliveredOnce(t, a, "chat")
	requireDeliveredOnce(t, bb, "chat")
	requireNotDelivered(t, c, "chat")

	require.NoError(t, h.SendGroupExcept(ctx, "room1", "echo", nil, []string{"a"}))
	requireDeliveredOnce(t, bb, "echo")
	requireNotDelivered(t, a, "echo")
}

func TestSendGroups(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	a, b, c := newFakeConn("a", ""), newFakeConn("b", ""), newFakeConn("c", "")
	connect(t, h, a, b, c)
	require.NoError(t, h.AddToGroup(ctx, "a", "g1"))
	require.NoError(t, h.AddToGroup(ctx, "b", "g2"))
	require.NoError(t, h.AddToGroup(ctx, "c", "g1"))
	require.NoError(t, h.AddToGroup(ctx, "c", "g2"))

	require.NoError(t, h.SendGroups(ctx, []string{"g1", "g2"}, "multi", nil))

	requireDeliveredOnce(t, a, "multi")
	requireDeliveredOnce(t, b, "multi")
	// Members of several targeted groups get one copy per group.
	require.Eventually(t, func() bool { return c.CountOf("multi") == 2 }, waitFor, tick)
}

func TestGroupMembershipIsIdempotent(t *testing.T) {
	h, b := newTestHub(t)
	ctx := context.Background()
	a := newFakeConn("a", "")
	connect(t, h, a)
	s, _ := h.Store().Get("a")

	require.NoError(t, h.AddToGroup(ctx, "a", "g"))
	require.NoError(t, h.AddToGroup(ctx, "a", "g"))
	assert.Equal(t, []string{"g"}, s.Groups())

	require.NoError(t, h.SendGroup(ctx, "g", "once", nil))
	requireDeliveredOnce(t, a, "once")

	require.NoError(t, h.RemoveFromGroup(ctx, "a", "g"))
	require.NoError(t, h.RemoveFromGroup(ctx, "a", "g"))
	require.NoError(t, h.RemoveFromGroup(ctx, "a", "never-joined"))
	assert.Empty(t, s.Groups())
	require.Eventually(t, func() bool { return b.SubscriberCount(h.Topics().Group("g")) == 0 }, waitFor, tick)

	require.NoError(t, h.SendGroup(ctx, "g", "gone", nil))
	requireNotDelivered(t, a, "gone")
}

func TestGroupNamesAreCaseSensitive(t *testing.T) {
	h, _ := newTestHub(t)
	ctx := context.Background()
	a := newFakeConn("a", "")
	connect(t, h, a)
	require.NoError(t, h.AddToGroup(ctx, "a", "Room"))

	require.NoError(t, h.SendGroup(ctx, "room", "lower", nil))
	requireNotDelivered(t, a, "lower")
}

func TestConcurrentJoinLeave(t *testing.T) {
	h, b := newTestHub(t)
	ctx := context.Background()

	conns := make([]*fakeConn, 8)
	for i := range conns {
		conns[i] = newFakeConn(fmt.Sprintf("c%d", i), "")
	}
	connect(t, h, conns...)

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, h.AddToGroup(ctx, c.ID(), "busy"))
				assert.NoError(t, h.RemoveFromGroup(ctx, c.ID(), "busy"))
			}
			assert.NoError(t, h.AddToGroup(ctx, c.ID(), "busy"))
		}()
	}
	wg.Wait()

	assert.Len(t, h.groups.Subscribers(h.Topics().Group("busy")), len(conns))
	assert.Equal(t, 1, b.SubscriberCount(h.Topics().Group("busy")))

	require.NoError(t, h.SendGroup(ctx, "busy", "all-in", nil))
	for _, c := range conns {
		requireDeliveredOnce(t, c, "all-in")
	}
}

func TestRemoteGroupCommands(t *testing.T) {
	b := newTestBus(t)
	local := newTestHubOn(t, b, testOptions())
	remote := newTestHubOn(t, b, testOptions())
	require.NotEqual(t, local.ServerName(), remote.ServerName())
	ctx := context.Background()

	a := newFakeConn("a", "alice")
	connect(t, local, a)
	s, _ := local.Store().Get("a")

	require.NoError(t, remote.AddToGroup(ctx, "a", "room"))
	assert.True(t, s.InGroup("room"), "owner applies the command before acknowledging")
	assert.True(t, local.groups.Has(local.Topics().Group("room")))
	assert.False(t, remote.groups.Has(remote.Topics().Group("room")))

	require.NoError(t, remote.SendGroup(ctx, "room", "group", nil))
	requireDeliveredOnce(t, a, "group")

	require.NoError(t, remote.RemoveFromGroup(ctx, "a", "room"))
	assert.False(t, s.InGroup("room"))
	require.NoError(t, remote.SendGroup(ctx, "room", "after-leave", nil))
	requireNotDelivered(t, a, "after-leave")
}

func TestCrossProcessSends(t *testing.T) {
	b := newTestBus(t)
	one := newTestHubOn(t, b, testOptions())
	two := newTestHubOn(t, b, testOptions())
	ctx := context.Background()

	a := newFakeConn("a", "alice")
	bb := newFakeConn("b", "alice")
	c := newFakeConn("c", "")
	connect(t, one, a)
	connect(t, two, bb, c)

	require.NoError(t, one.SendAll(ctx, "all", nil))
	for _, conn := range []*fakeConn{a, bb, c} {
		requireDeliveredOnce(t, conn, "all")
	}

	require.NoError(t, two.SendConnection(ctx, "a", "direct", nil))
	requireDeliveredOnce(t, a, "direct")

	require.NoError(t, two.SendUser(ctx, "alice", "dm", nil))
	requireDeliveredOnce(t, a, "dm")
	requireDeliveredOnce(t, bb, "dm")
	requireNotDelivered(t, c, "dm")

	require.NoError(t, one.SendAllExcept(ctx, "except", nil, []string{"c"}))
	requireDeliveredOnce(t, a, "except")
	requireDeliveredOnce(t, bb, "except")
	requireNotDelivered(t, c, "except")
}

func TestRemoteGroupCommandWithoutOwner(t *testing.T) {
	logs := &logBuffer{}
	opt := testOptions()
	opt.Logger = zerolog.New(logs)
	h := newTestHubOn(t, newTestBus(t), opt)

	start := time.Now()
	err := h.AddToGroup(context.Background(), "ghost", "room")
	elapsed := time.Since(start)

	assert.NoError(t, err, "a missing ack is logged, not returned")
	assert.GreaterOrEqual(t, elapsed, opt.GroupCommandTimeout)
	assert.Less(t, elapsed, opt.GroupCommandTimeout+time.Second)
	assert.False(t, h.groups.Has(h.Topics().Group("room")))
	assert.True(t, logs.Contains("ack timed out"))
	assert.True(t, logs.Contains(ErrRPCTimeout.Error()))
}

func TestGroupCommandForUnknownConnectionGetsNoReply(t *testing.T) {
	h, b := newTestHub(t)
	connect(t, h, newFakeConn("a", ""))

	data, err := EncodeGroupCommand(&GroupCommand{
		ID:           7,
		ServerName:   "elsewhere",
		Action:       GroupActionAdd,
		Group:        "room",
		ConnectionID: "ghost",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = b.Request(ctx, h.Topics().GroupManagement(), data)
	assert.ErrorIs(t, err, bus.ErrNoReply)
}

func TestGroupCommandAck(t *testing.T) {
	h, b := newTestHub(t)
	a := newFakeConn("a", "")
	connect(t, h, a)

	data, err := EncodeGroupCommand(&GroupCommand{
		ID:           99,
		ServerName:   "elsewhere",
		Action:       GroupActionAdd,
		Group:        "room",
		ConnectionID: "a",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	reply, err := b.Request(ctx, h.Topics().GroupManagement(), data)
	require.NoError(t, err)
	assert.Equal(t, "99", string(reply))

	s, _ := h.Store().Get("a")
	assert.True(t, s.InGroup("room"))

	// Garbage on the management topic is dropped and the loop carries on.
	require.NoError(t, b.Publish(ctx, h.Topics().GroupManagement(), []byte{0xc1}))
	data, err = EncodeGroupCommand(&GroupCommand{ID: 100, Action: GroupActionRemove, Group: "room", ConnectionID: "a"})
	require.NoError(t, err)
	reply, err = b.Request(ctx, h.Topics().GroupManagement(), data)
	require.NoError(t, err)
	assert.Equal(t, "100", string(reply))
	assert.False(t, s.InGroup("room"))
}

func TestConcurrentAddRemoveSamePairStaysConsistent(t *testing.T) {
	h, b := newTestHub(t)
	ctx := context.Background()
	a := newFakeConn("a", "")
	connect(t, h, a)
	s, _ := h.Store().Get("a")
	topic := h.Topics().Group("race")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.AddToGroup(ctx, "a", "race"))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, h.RemoveFromGroup(ctx, "a", "race"))
		}()
	}
	wg.Wait()

	assert.Equal(t, s.InGroup("race"), h.groups.Has(topic), "group set and subscription disagree")

	require.NoError(t, h.OnDisconnect(ctx, a))
	assert.False(t, h.groups.Has(topic))
	require.Eventually(t, func() bool { return b.SubscriberCount(topic) == 0 }, waitFor, tick)
	assert.Zero(t, h.locks.Len())
}

// failingRequestBus fails every request with a transport error.
type failingRequestBus struct {
	*membus.Bus
}

func (failingRequestBus) Request(context.Context, string, []byte) ([]byte, error) {
	return nil, errors.New("connection reset by peer")
}

func TestGroupCommandBusFailureIsNotReportedAsTimeout(t *testing.T) {
	logs := &logBuffer{}
	opt := testOptions()
	opt.Logger = zerolog.New(logs)
	h, err := New(context.Background(), failingRequestBus{newTestBus(t)}, opt)
	require.NoError(t, err)
	defer h.Close()

	start := time.Now()
	require.NoError(t, h.AddToGroup(context.Background(), "elsewhere", "room"))
	assert.Less(t, time.Since(start), opt.GroupCommandTimeout)

	assert.True(t, logs.Contains("sending group command failed"))
	assert.True(t, logs.Contains(ErrBusUnavailable.Error()))
	assert.False(t, logs.Contains("ack timed out"))
}
