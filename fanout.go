package backplane

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/jonoton/go-backplane/bus"
)

// messageHandler processes one message received on a topic.
type messageHandler func(ctx context.Context, msg *bus.Message)

// openTopic subscribes to topic on the bus and starts its supervised loop.
// The loop runs until lifetime is cancelled.
func (h *Hub) openTopic(lifetime context.Context, topic string, handle messageHandler) error {
	msgs, err := h.bus.Subscribe(lifetime, topic)
	if err != nil {
		h.markBusUnhealthy(err)
		return fmt.Errorf("%w: subscribe %s: %w", ErrBusUnavailable, topic, err)
	}

	h.loopMu.Lock()
	defer h.loopMu.Unlock()
	if h.stopping {
		return ErrDisposed
	}
	h.loops.Add(1)
	go func() {
		defer h.loops.Done()
		h.supervise(lifetime, topic, msgs, handle)
	}()
	return nil
}

// supervise drains msgs and re-subscribes whenever the stream ends while
// lifetime is still alive.
func (h *Hub) supervise(lifetime context.Context, topic string, msgs <-chan *bus.Message, handle messageHandler) {
	log := h.log.With().Str("topic", topic).Logger()
	log.Debug().Msg("fan-out loop started")
	defer log.Debug().Msg("fan-out loop stopped")

	for {
		h.receive(lifetime, topic, msgs, handle)
		if lifetime.Err() != nil {
			return
		}

		log.Warn().Msg("bus stream ended, resubscribing")
		msgs = h.resubscribe(lifetime, topic)
		if msgs == nil {
			return
		}
	}
}

func (h *Hub) receive(lifetime context.Context, topic string, msgs <-chan *bus.Message, handle messageHandler) {
	for {
		select {
		case <-lifetime.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			h.dispatch(lifetime, topic, msg, handle)
		}
	}
}

// dispatch isolates a single message: a panic while handling it is logged and
// the loop moves on to the next message.
func (h *Hub) dispatch(ctx context.Context, topic string, msg *bus.Message, handle messageHandler) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Str("topic", topic).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in fan-out loop")
		}
	}()
	handle(ctx, msg)
}

func (h *Hub) resubscribe(lifetime context.Context, topic string) <-chan *bus.Message {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.opt.ResubscribeInitialInterval
	b.MaxInterval = h.opt.ResubscribeMaxInterval
	b.MaxElapsedTime = 0

	var msgs <-chan *bus.Message
	op := func() error {
		var err error
		msgs, err = h.bus.Subscribe(lifetime, topic)
		if lifetime.Err() != nil {
			return backoff.Permanent(lifetime.Err())
		}
		if err != nil {
			h.markBusUnhealthy(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		h.log.Warn().Err(err).Str("topic", topic).Dur("retry_in", wait).Msg("resubscribe failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, lifetime), notify); err != nil {
		return nil
	}
	return msgs
}

// handleAll delivers to every local connection not excluded by the invocation.
func (h *Hub) handleAll(ctx context.Context, msg *bus.Message) {
	inv, ok := h.decodeInvocation(msg)
	if !ok {
		return
	}
	h.deliver(ctx, msg.Topic, h.store.All(), inv, true)
}

// groupHandler delivers to the local members of one group, honouring exclusions.
func (h *Hub) groupHandler(subscribers *SessionSet) messageHandler {
	return func(ctx context.Context, msg *bus.Message) {
		inv, ok := h.decodeInvocation(msg)
		if !ok {
			return
		}
		h.deliver(ctx, msg.Topic, subscribers.Snapshot(), inv, true)
	}
}

// directHandler delivers to every subscriber of a connection or user topic.
func (h *Hub) directHandler(subscribers *SessionSet) messageHandler {
	return func(ctx context.Context, msg *bus.Message) {
		inv, ok := h.decodeInvocation(msg)
		if !ok {
			return
		}
		h.deliver(ctx, msg.Topic, subscribers.Snapshot(), inv, false)
	}
}

func (h *Hub) decodeInvocation(msg *bus.Message) (*Invocation, bool) {
	h.log.Debug().Str("topic", msg.Topic).Msg("received message")
	inv, err := DecodeInvocation(msg.Data)
	if err != nil {
		h.log.Error().Err(err).Str("topic", msg.Topic).Msg("dropping undecodable invocation")
		return nil, false
	}
	return inv, true
}

// deliver writes inv to sessions concurrently and waits for all of them.
// A failing connection is logged and does not affect the others.
func (h *Hub) deliver(ctx context.Context, topic string, sessions []*Session, inv *Invocation, honourExclusions bool) {
	var g errgroup.Group
	for _, s := range sessions {
		if honourExclusions && inv.Excludes(s.ID()) {
			continue
		}
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					h.log.Error().
						Str("topic", topic).
						Str("connection", s.ID()).
						Interface("panic", r).
						Msg("recovered panic in Deliver")
				}
			}()
			if err := s.Conn.Deliver(ctx, inv.Method, inv.Args); err != nil {
				h.log.Error().Err(err).
					Str("topic", topic).
					Str("connection", s.ID()).
					Str("method", inv.Method).
					Msg("failed writing message")
			}
			return nil
		})
	}
	g.Wait()
}
