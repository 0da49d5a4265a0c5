// Package bus defines the message bus contract the backplane runs on.
//
// A Bus is a topic-based publish/subscribe transport with request/reply.
// Implementations live in the membus (single process) and redisbus
// (scale-out) packages.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by every operation on a bus that has been closed.
	ErrClosed = errors.New("bus: closed")

	// ErrNoReply is returned by Request when the context ends before a reply arrives.
	ErrNoReply = errors.New("bus: no reply")
)

// Message is a single payload received from a topic.
type Message struct {
	Topic string
	Data  []byte

	// ReplyTo is the reply-routing address of a request, empty for plain publishes.
	ReplyTo string
}

// Bus is the transport shared by every backplane process.
type Bus interface {
	// Publish sends data to every current subscriber of topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe starts receiving messages published to topic. The returned
	// channel is closed when ctx is done or when the underlying stream drops;
	// callers tell the two apart by checking ctx.
	Subscribe(ctx context.Context, topic string) (<-chan *Message, error)

	// Request publishes data to topic with a reply address and waits for the
	// first reply. The deadline comes from ctx.
	Request(ctx context.Context, topic string, data []byte) ([]byte, error)

	// Reply answers a message received from Subscribe. Messages without a
	// reply address are ignored.
	Reply(ctx context.Context, msg *Message, data []byte) error
}

// Pinger is implemented by buses that can report connection health.
type Pinger interface {
	Ping(ctx context.Context) error
}
