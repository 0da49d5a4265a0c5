package backplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jonoton/go-backplane/bus"
)

// Backplane is what a push-messaging host needs to fan messages out across
// every process sharing a bus. *Hub is the implementation; Open picks its bus.
type Backplane interface {
	OnConnect(ctx context.Context, conn Connection) error
	OnDisconnect(ctx context.Context, conn Connection) error

	AddToGroup(ctx context.Context, connectionID, group string) error
	RemoveFromGroup(ctx context.Context, connectionID, group string) error

	SendAll(ctx context.Context, method string, args []any) error
	SendAllExcept(ctx context.Context, method string, args []any, excludedConnectionIDs []string) error
	SendConnection(ctx context.Context, connectionID, method string, args []any) error
	SendConnections(ctx context.Context, connectionIDs []string, method string, args []any) error
	SendGroup(ctx context.Context, group, method string, args []any) error
	SendGroupExcept(ctx context.Context, group, method string, args []any, excludedConnectionIDs []string) error
	SendGroups(ctx context.Context, groups []string, method string, args []any) error
	SendUser(ctx context.Context, userID, method string, args []any) error
	SendUsers(ctx context.Context, userIDs []string, method string, args []any) error

	Close() error
}

var _ Backplane = (*Hub)(nil)

// Hub coordinates the local connections of one process with every other
// process on the bus.
type Hub struct {
	bus        bus.Bus
	opt        Options
	log        zerolog.Logger
	topics     Topics
	serverName string

	store       *Store
	locks       *KeyedMutex
	connections *subscriptionManager
	groups      *subscriptionManager
	users       *subscriptionManager

	nextCommandID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	loopMu   sync.Mutex
	loops    sync.WaitGroup
	stopping bool

	closed   atomic.Bool

	// busHealthy short-circuits waitForBus. It is set by a successful ping
	// and cleared by any failed publish or subscribe.
	busHealthy atomic.Bool
	closeBus func() error
}

// New starts a hub on b. It subscribes to the broadcast and group management
// topics before returning, so an unreachable bus fails here.
func New(ctx context.Context, b bus.Bus, opt Options) (*Hub, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil bus", ErrInvalidArgument)
	}
	opt = opt.withDefaults()

	h := &Hub{
		bus:        b,
		opt:        opt,
		log:        hubLogger(opt.Logger, opt.HubName, opt.ServerName),
		topics:     NewTopics(opt.HubName),
		serverName: opt.ServerName,
		store:      NewStore(),
		locks:      NewKeyedMutex(),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.connections = newSubscriptionManager(h.ctx, "connections", h.locks, h.log)
	h.groups = newSubscriptionManager(h.ctx, "groups", h.locks, h.log)
	h.users = newSubscriptionManager(h.ctx, "users", h.locks, h.log)

	if err := h.waitForBus(ctx); err != nil {
		h.shutdown()
		return nil, err
	}
	if err := h.openTopic(h.ctx, h.topics.All(), h.handleAll); err != nil {
		h.shutdown()
		return nil, err
	}
	if err := h.openTopic(h.ctx, h.topics.GroupManagement(), h.handleGroupCommand); err != nil {
		h.shutdown()
		return nil, err
	}

	h.log.Info().Msg("backplane started")
	return h, nil
}

// ServerName identifies this process in group commands.
func (h *Hub) ServerName() string {
	return h.serverName
}

// Topics returns the hub's topic namespace.
func (h *Hub) Topics() Topics {
	return h.topics
}

// Store exposes the local connection registry.
func (h *Hub) Store() *Store {
	return h.store
}

// OnConnect registers a connection accepted by this process and subscribes it
// to its connection topic and, when it has one, its user topic.
func (h *Hub) OnConnect(ctx context.Context, conn Connection) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("%w: nil connection", ErrInvalidArgument)
	}
	if err := requireNonEmpty("connection id", conn.ID()); err != nil {
		return err
	}
	if err := h.waitForBus(ctx); err != nil {
		return err
	}

	h.log.Debug().Str("connection", conn.ID()).Str("user", conn.UserID()).Msg("connection connected")

	s := newSession(conn)
	h.store.Add(s)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		topic := h.topics.Connection(s.ID())
		_, err := h.connections.Add(gctx, topic, s, func(lifetime context.Context, subscribers *SessionSet) error {
			return h.openTopic(lifetime, topic, h.directHandler(subscribers))
		})
		return err
	})
	if user := conn.UserID(); user != "" {
		g.Go(func() error {
			topic := h.topics.User(user)
			_, err := h.users.Add(gctx, topic, s, func(lifetime context.Context, subscribers *SessionSet) error {
				return h.openTopic(lifetime, topic, h.directHandler(subscribers))
			})
			return err
		})
	}
	return g.Wait()
}

// OnDisconnect removes every trace of a local connection: its store entry,
// its connection and user subscriptions and its group memberships.
func (h *Hub) OnDisconnect(ctx context.Context, conn Connection) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	if conn == nil {
		return fmt.Errorf("%w: nil connection", ErrInvalidArgument)
	}

	s, ok := h.store.Get(conn.ID())
	if !ok {
		return nil
	}
	h.log.Debug().Str("connection", s.ID()).Msg("connection disconnected")
	h.store.Remove(s)

	// Cleanup must finish even when the caller's request is already gone.
	ctx = context.WithoutCancel(ctx)

	var g errgroup.Group
	g.Go(func() error {
		return h.connections.Remove(ctx, h.topics.Connection(s.ID()), s)
	})
	if user := conn.UserID(); user != "" {
		g.Go(func() error {
			return h.users.Remove(ctx, h.topics.User(user), s)
		})
	}
	// Groups is a snapshot; removeGroupLocal mutates the live set. The
	// connection is known to be local, so no group command is ever sent.
	for _, group := range s.Groups() {
		g.Go(func() error {
			return h.removeGroupLocal(ctx, s, group)
		})
	}
	return g.Wait()
}

// SendAll invokes method on every connection of every process.
func (h *Hub) SendAll(ctx context.Context, method string, args []any) error {
	return h.SendAllExcept(ctx, method, args, nil)
}

// SendAllExcept is SendAll skipping excludedConnectionIDs.
func (h *Hub) SendAllExcept(ctx context.Context, method string, args []any, excludedConnectionIDs []string) error {
	if err := h.checkSend(method); err != nil {
		return err
	}
	return h.publishInvocation(ctx, []string{h.topics.All()}, method, args, excludedConnectionIDs)
}

// SendConnection invokes method on one connection, wherever it is held.
func (h *Hub) SendConnection(ctx context.Context, connectionID, method string, args []any) error {
	return h.SendConnections(ctx, []string{connectionID}, method, args)
}

// SendConnections invokes method on each listed connection.
func (h *Hub) SendConnections(ctx context.Context, connectionIDs []string, method string, args []any) error {
	if err := h.checkSend(method); err != nil {
		return err
	}
	topics, err := h.targetTopics("connection id", connectionIDs, h.topics.Connection)
	if err != nil {
		return err
	}
	return h.publishInvocation(ctx, topics, method, args, nil)
}

// SendGroup invokes method on every member of group.
func (h *Hub) SendGroup(ctx context.Context, group, method string, args []any) error {
	return h.SendGroupExcept(ctx, group, method, args, nil)
}

// SendGroupExcept is SendGroup skipping excludedConnectionIDs.
func (h *Hub) SendGroupExcept(ctx context.Context, group, method string, args []any, excludedConnectionIDs []string) error {
	if err := h.checkSend(method); err != nil {
		return err
	}
	topics, err := h.targetTopics("group", []string{group}, h.topics.Group)
	if err != nil {
		return err
	}
	return h.publishInvocation(ctx, topics, method, args, excludedConnectionIDs)
}

// SendGroups invokes method on the members of each group, once per group.
func (h *Hub) SendGroups(ctx context.Context, groups []string, method string, args []any) error {
	if err := h.checkSend(method); err != nil {
		return err
	}
	topics, err := h.targetTopics("group", groups, h.topics.Group)
	if err != nil {
		return err
	}
	return h.publishInvocation(ctx, topics, method, args, nil)
}

// SendUser invokes method on every connection of userID.
func (h *Hub) SendUser(ctx context.Context, userID, method string, args []any) error {
	return h.SendUsers(ctx, []string{userID}, method, args)
}

// SendUsers invokes method on every connection of each listed user.
func (h *Hub) SendUsers(ctx context.Context, userIDs []string, method string, args []any) error {
	if err := h.checkSend(method); err != nil {
		return err
	}
	topics, err := h.targetTopics("user id", userIDs, h.topics.User)
	if err != nil {
		return err
	}
	return h.publishInvocation(ctx, topics, method, args, nil)
}

// Close stops every fan-out loop and, when the hub was created by Open, the
// bus. Operations after Close fail with ErrDisposed.
func (h *Hub) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.shutdown()
	h.log.Info().Msg("backplane stopped")
	if h.closeBus != nil {
		return h.closeBus()
	}
	return nil
}

func (h *Hub) shutdown() {
	h.closed.Store(true)
	h.loopMu.Lock()
	h.stopping = true
	h.loopMu.Unlock()
	h.cancel()
	h.loops.Wait()
}

func (h *Hub) checkOpen() error {
	if h.closed.Load() {
		return ErrDisposed
	}
	return nil
}

func (h *Hub) checkSend(method string) error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	return requireNonEmpty("method", method)
}

func (h *Hub) targetTopics(what string, keys []string, topic func(string) string) ([]string, error) {
	topics := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			return nil, fmt.Errorf("%w: empty %s", ErrInvalidArgument, what)
		}
		topics = append(topics, topic(key))
	}
	return topics, nil
}

// publishInvocation encodes once and publishes to every topic concurrently.
func (h *Hub) publishInvocation(ctx context.Context, topics []string, method string, args []any, excluded []string) error {
	if len(topics) == 0 {
		return nil
	}
	data, err := EncodeInvocation(&Invocation{
		Method:                method,
		Args:                  args,
		ExcludedConnectionIDs: excluded,
	})
	if err != nil {
		return err
	}
	if err := h.waitForBus(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		g.Go(func() error {
			h.log.Debug().Str("topic", topic).Str("method", method).Msg("publishing message")
			if err := h.bus.Publish(gctx, topic, data); err != nil {
				h.markBusUnhealthy(err)
				return fmt.Errorf("%w: publish %s: %w", ErrBusUnavailable, topic, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// waitForBus returns at once while the bus is known healthy. Otherwise it
// pings, polling for at most BusWaitTimeout. Buses that cannot report health
// are assumed healthy.
func (h *Hub) waitForBus(ctx context.Context) error {
	if h.busHealthy.Load() {
		return nil
	}
	p, ok := h.bus.(bus.Pinger)
	if !ok {
		return nil
	}
	err := p.Ping(ctx)
	if err == nil {
		h.busHealthy.Store(true)
		return nil
	}
	if errors.Is(err, bus.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}

	h.log.Warn().Err(err).Msg("bus not ready, waiting")
	wctx, cancel := context.WithTimeout(ctx, h.opt.BusWaitTimeout)
	defer cancel()
	ticker := time.NewTicker(h.opt.BusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-wctx.Done():
			return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
		case <-ticker.C:
			if err = p.Ping(wctx); err == nil {
				h.busHealthy.Store(true)
				h.log.Info().Msg("bus ready")
				return nil
			}
			if errors.Is(err, bus.ErrClosed) {
				return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
			}
		}
	}
}

// markBusUnhealthy makes the next waitForBus ping again. Errors caused by
// the caller's own context say nothing about the bus.
func (h *Hub) markBusUnhealthy(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if h.busHealthy.CompareAndSwap(true, false) {
		h.log.Warn().Err(err).Msg("bus operation failed, checking health before the next one")
	}
}

// requireNonEmpty takes name/value pairs.
func requireNonEmpty(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: empty %s", ErrInvalidArgument, pairs[i])
		}
	}
	return nil
}
