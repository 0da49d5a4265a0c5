// Package redisbus implements bus.Bus on Redis pub/sub.
//
// Every payload travels inside a small msgpack envelope carrying the reply
// address, which Redis pub/sub has no notion of. Requests wait on a private
// inbox channel named after a random UUID.
package redisbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/jonoton/go-backplane/bus"
)

const inboxPrefix = "_INBOX."

// Options configures a Bus.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Client is used instead of dialing Addr when set; the bus does not close it.
	Client *redis.Client

	Logger zerolog.Logger
}

// Bus is a bus.Bus on Redis pub/sub.
type Bus struct {
	client *redis.Client
	owned  bool
	log    zerolog.Logger
}

var _ bus.Bus = (*Bus)(nil)
var _ bus.Pinger = (*Bus)(nil)

type envelope struct {
	_msgpack struct{} `msgpack:",as_array"`

	ReplyTo string
	Data    []byte
}

// New creates a Bus. Connections are made lazily by the client.
func New(opt Options) *Bus {
	b := &Bus{
		client: opt.Client,
		log:    opt.Logger.With().Str("component", "redisbus").Logger(),
	}
	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{
			Addr:     opt.Addr,
			Username: opt.Username,
			Password: opt.Password,
			DB:       opt.DB,
		})
		b.owned = true
	}
	return b
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	return b.publish(ctx, topic, "", data)
}

func (b *Bus) publish(ctx context.Context, topic, replyTo string, data []byte) error {
	payload, err := msgpack.Marshal(&envelope{ReplyTo: replyTo, Data: data})
	if err != nil {
		return fmt.Errorf("redisbus: encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redisbus: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe implements bus.Bus. The subscription is confirmed by the server
// before Subscribe returns.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *bus.Message, error) {
	ps, err := b.subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *bus.Message)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				msg, err := decodeMessage(m)
				if err != nil {
					b.log.Error().Err(err).Str("topic", topic).Msg("dropping malformed message")
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Bus) subscribe(ctx context.Context, topic string) (*redis.PubSub, error) {
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redisbus: subscribe %s: %w", topic, err)
	}
	return ps, nil
}

// Request implements bus.Bus.
func (b *Bus) Request(ctx context.Context, topic string, data []byte) ([]byte, error) {
	inbox := inboxPrefix + uuid.NewString()
	ps, err := b.subscribe(ctx, inbox)
	if err != nil {
		return nil, err
	}
	defer ps.Close()

	if err := b.publish(ctx, topic, inbox, data); err != nil {
		return nil, err
	}

	select {
	case m, ok := <-ps.Channel():
		if !ok {
			return nil, bus.ErrClosed
		}
		msg, err := decodeMessage(m)
		if err != nil {
			return nil, err
		}
		return msg.Data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", bus.ErrNoReply, ctx.Err())
	}
}

// Reply implements bus.Bus.
func (b *Bus) Reply(ctx context.Context, msg *bus.Message, data []byte) error {
	if msg == nil || msg.ReplyTo == "" {
		return nil
	}
	return b.publish(ctx, msg.ReplyTo, "", data)
}

// Ping implements bus.Pinger.
func (b *Bus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return bus.ErrClosed
		}
		return err
	}
	return nil
}

// Close closes the client when the bus dialed it itself.
func (b *Bus) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

func decodeMessage(m *redis.Message) (*bus.Message, error) {
	var env envelope
	if err := msgpack.Unmarshal([]byte(m.Payload), &env); err != nil {
		return nil, fmt.Errorf("redisbus: decode envelope on %s: %w", m.Channel, err)
	}
	return &bus.Message{Topic: m.Channel, Data: env.Data, ReplyTo: env.ReplyTo}, nil
}
