/*
Package membus implements a thread-safe, in-memory, multi-topic bus that
satisfies bus.Bus.

It is the transport for single-process deployments of the backplane and the
bus the backplane's tests run against. Every process sharing a membus.Bus
value sees every other's publishes, which makes it possible to run several
hubs in one test binary and watch them coordinate.

# Key Features

  - Per-Subscriber Queues: every subscription has its own buffered queue and
    delivery goroutine, so one slow reader never blocks delivery to the others
    for longer than the topic's PublishTimeout.

  - Configurable Delivery: configure topics to either drop messages or block
    with a timeout if a subscriber's buffer is full, via CreateTopic or the
    Options default.

  - Request/Reply: Request publishes with a private inbox address as ReplyTo
    and waits for the first reply, bounded by the caller's context.

  - Context-Scoped Subscriptions: a subscription ends when the context passed
    to Subscribe is done. Disconnect ends subscriptions without touching the
    context, the way a dropped network connection would.

# Usage

	b := membus.New(membus.Options{BufferSize: 16})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := b.Subscribe(ctx, "news")
	if err != nil {
		// Handle error
	}
	go func() {
		for msg := range msgs {
			fmt.Printf("received %s\n", msg.Data)
		}
	}()

	b.Publish(ctx, "news", []byte("hello"))

# Request/Reply

	go func() {
		for msg := range requests {
			b.Reply(ctx, msg, []byte("pong"))
		}
	}()

	reqCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	reply, err := b.Request(reqCtx, "ping", []byte("ping"))
*/
package membus
