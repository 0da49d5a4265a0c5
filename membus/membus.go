package membus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jonoton/go-backplane/bus"
)

// Global package-level flag for debug logging
var debugEnabled atomic.Bool

// SetDebug enables or disables debug logging for the membus package.
func SetDebug(enable bool) {
	debugEnabled.Store(enable)
}

// logDebug emits a debug message if debug logging is enabled.
func logDebug(format string, a ...interface{}) {
	if debugEnabled.Load() {
		log.Debug().Str("component", "membus").Msgf(format, a...)
	}
}

// inboxPrefix prefixes the private topics requests wait on for their reply.
const inboxPrefix = "_INBOX."

// DefaultPublishTimeout is the default duration a publisher will wait
// for a message to be accepted if no specific TopicConfig is provided
// and AllowDropping is false.
const DefaultPublishTimeout = 500 * time.Millisecond

// DefaultBufferSize is the per-subscriber buffer used when Options.BufferSize is zero.
const DefaultBufferSize = 64

// TopicConfig allows configuring behavior for a specific topic.
type TopicConfig struct {
	AllowDropping  bool
	PublishTimeout time.Duration
}

// Options configures a Bus.
type Options struct {
	// BufferSize is the number of messages queued per subscriber.
	BufferSize int

	// Default applies to topics without an explicit CreateTopic call.
	Default TopicConfig
}

// Subscriber is one live subscription to a topic.
type Subscriber struct {
	ID                string
	Topic             string
	Ch                chan *bus.Message
	internalCh        chan *bus.Message
	close             chan struct{}
	shutdownOnce      sync.Once // For closing s.close channel once
	deliveryWg        sync.WaitGroup
	internalCloseOnce sync.Once // For closing s.internalCh channel once

	unsubscribeFunc func()      // Function to call to initiate cleanup via Bus
	unsubscribed    atomic.Bool // To ensure Unsubscribe() logic runs once
}

// Bus is an in-process implementation of bus.Bus. Every subscriber gets its
// own buffered queue and delivery goroutine, so a slow reader only stalls
// publishers up to the topic's PublishTimeout.
type Bus struct {
	mu           sync.RWMutex
	subscribers  map[string]map[string]*Subscriber // topic -> subscriberID -> *Subscriber
	topicConfigs map[string]TopicConfig            // topic -> TopicConfig
	defaults     TopicConfig
	bufferSize   int
	closed       bool
}

var _ bus.Bus = (*Bus)(nil)
var _ bus.Pinger = (*Bus)(nil)

// New creates a new in-memory bus.
func New(opt Options) *Bus {
	if opt.BufferSize <= 0 {
		opt.BufferSize = DefaultBufferSize
	}
	if !opt.Default.AllowDropping && opt.Default.PublishTimeout == 0 {
		opt.Default.PublishTimeout = DefaultPublishTimeout
	}
	b := &Bus{
		subscribers:  make(map[string]map[string]*Subscriber),
		topicConfigs: make(map[string]TopicConfig),
		defaults:     opt.Default,
		bufferSize:   opt.BufferSize,
	}
	logDebug("New bus created.")
	return b
}

// GetUniqueSubscriberID generates a unique subscriber ID.
func (b *Bus) GetUniqueSubscriberID() string {
	return "sub-" + uuid.NewString()
}

// CreateTopic explicitly configures a topic.
func (b *Bus) CreateTopic(topic string, config TopicConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.topicConfigs[topic] = config
	logDebug("Topic '%s' created with config: %+v", topic, config)
}

// topicConfigLocked retrieves the configuration for a given topic. Caller holds b.mu.
func (b *Bus) topicConfigLocked(topic string) TopicConfig {
	if config, ok := b.topicConfigs[topic]; ok {
		return config
	}
	return b.defaults
}

// SubscriberCount reports how many live subscriptions topic has.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Subscribe implements bus.Bus. The subscription is removed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *bus.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := b.subscribe(topic, b.GetUniqueSubscriberID(), b.bufferSize)
	if err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.close:
		}
	}()
	return sub.Ch, nil
}

func (b *Bus) subscribe(topic string, subscriberID string, bufferSize int) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bus.ErrClosed
	}

	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]*Subscriber)
		logDebug("Created new topic map for '%s'.", topic)
	}

	if _, exists := b.subscribers[topic][subscriberID]; exists {
		return nil, fmt.Errorf("membus: subscriber %q already exists for topic %q", subscriberID, topic)
	}

	sub := &Subscriber{
		ID:         subscriberID,
		Topic:      topic,
		Ch:         make(chan *bus.Message),
		internalCh: make(chan *bus.Message, bufferSize),
		close:      make(chan struct{}),
	}

	sub.unsubscribeFunc = func() {
		logDebug("Subscriber %s (topic '%s') initiated self-unsubscription.", sub.ID, sub.Topic)
		b.CleanupSub(sub)
	}

	b.subscribers[topic][subscriberID] = sub
	sub.deliveryWg.Add(1)
	go sub.deliverMessages()

	logDebug("Subscriber '%s' subscribed to topic '%s' with buffer size %d.", subscriberID, topic, bufferSize)
	return sub, nil
}

// Unsubscribe signals the bus to remove and clean up this subscriber.
// It's safe to call multiple times; the actual unsubscription process will only occur once.
func (s *Subscriber) Unsubscribe() {
	if s.unsubscribed.CompareAndSwap(false, true) {
		if s.unsubscribeFunc != nil {
			s.unsubscribeFunc()
		}
	} else {
		logDebug("Subscriber %s (topic '%s'): Unsubscribe called but already in process or completed.", s.ID, s.Topic)
	}
}

// deliverMessages is a goroutine run for each subscriber.
func (s *Subscriber) deliverMessages() {
	defer s.deliveryWg.Done()
	defer func() {
		close(s.Ch)
		logDebug("Subscriber %s (topic '%s') public channel closed.", s.ID, s.Topic)
	}()

	for {
		select {
		case msg, ok := <-s.internalCh:
			if !ok {
				return
			}
			select {
			case s.Ch <- msg:
			case <-s.close:
				logDebug("Subscriber %s (topic '%s') closing, message dropped.", s.ID, s.Topic)
			}

		case <-s.close:
			// internalCh is closed here only; the receive case above then
			// drains what is buffered and exits.
			s.internalCloseOnce.Do(func() {
				close(s.internalCh)
			})
		}
	}
}

// CleanupSub unsubscribes a subscriber and waits for its delivery goroutine.
func (b *Bus) CleanupSub(sub *Subscriber) {
	if sub == nil {
		return
	}

	func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		topicSubscribers, ok := b.subscribers[sub.Topic]
		if !ok {
			return
		}
		if existing, ok := topicSubscribers[sub.ID]; !ok || existing != sub {
			return
		}
		delete(topicSubscribers, sub.ID)
		if len(topicSubscribers) == 0 {
			logDebug("CleanupSub: Topic '%s' has no more subscribers, removing topic entry.", sub.Topic)
			delete(b.subscribers, sub.Topic)
		}
	}()

	sub.shutdown()
	logDebug("Subscriber '%s' (topic '%s') cleanup complete.", sub.ID, sub.Topic)
}

// shutdown closes the subscriber and waits for its delivery goroutine to exit.
func (s *Subscriber) shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.close)
	})

	// Drain the public channel so deliverMessages can unblock.
	go func() {
		for range s.Ch {
		}
	}()

	s.deliveryWg.Wait()
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	return b.publish(ctx, &bus.Message{Topic: topic, Data: data})
}

func (b *Bus) publish(ctx context.Context, message *bus.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return bus.ErrClosed
	}
	tc := b.topicConfigLocked(message.Topic)
	var subsToNotify []*Subscriber
	if topicSubs, ok := b.subscribers[message.Topic]; ok {
		subsToNotify = make([]*Subscriber, 0, len(topicSubs))
		for _, sub := range topicSubs {
			subsToNotify = append(subsToNotify, sub)
		}
	}
	b.mu.RUnlock()

	if len(subsToNotify) == 0 {
		return nil
	}

	logDebug("Publishing message to topic '%s' to %d subscribers.", message.Topic, len(subsToNotify))

	var wg sync.WaitGroup
	for _, sub := range subsToNotify {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					logDebug("PANIC recovered in publish for sub %s (topic %s): %v. Dropped.", s.ID, s.Topic, r)
				}
			}()
			s.offer(ctx, message, tc)
		}(sub)
	}
	wg.Wait()
	return nil
}

func (s *Subscriber) offer(ctx context.Context, m *bus.Message, tc TopicConfig) {
	select {
	case <-s.close:
		return
	default:
	}

	if tc.AllowDropping {
		select {
		case s.internalCh <- m:
		default:
			logDebug("Dropping message for subscriber '%s' (buffer full).", s.ID)
		}
		return
	}

	var timeoutC <-chan time.Time
	if tc.PublishTimeout > 0 {
		timer := time.NewTimer(tc.PublishTimeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case <-s.close:
	case <-ctx.Done():
	case <-timeoutC:
		logDebug("Timeout (%s) for subscriber '%s' on topic '%s'. Message not delivered.", tc.PublishTimeout, s.ID, s.Topic)
	case s.internalCh <- m:
	}
}

// Request implements bus.Bus by waiting on a private inbox topic.
func (b *Bus) Request(ctx context.Context, topic string, data []byte) ([]byte, error) {
	inbox := inboxPrefix + uuid.NewString()
	sub, err := b.subscribe(inbox, b.GetUniqueSubscriberID(), 1)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.publish(ctx, &bus.Message{Topic: topic, Data: data, ReplyTo: inbox}); err != nil {
		return nil, err
	}

	select {
	case msg, ok := <-sub.Ch:
		if !ok {
			return nil, bus.ErrClosed
		}
		return msg.Data, nil
	case <-ctx.Done():
		logDebug("Request on topic '%s' got no reply: %v", topic, ctx.Err())
		return nil, fmt.Errorf("%w: %v", bus.ErrNoReply, ctx.Err())
	}
}

// Reply implements bus.Bus.
func (b *Bus) Reply(ctx context.Context, msg *bus.Message, data []byte) error {
	if msg == nil || msg.ReplyTo == "" {
		return nil
	}
	return b.publish(ctx, &bus.Message{Topic: msg.ReplyTo, Data: data})
}

// Ping implements bus.Pinger.
func (b *Bus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return bus.ErrClosed
	}
	return ctx.Err()
}

// Disconnect ends every current subscription to topic without a context
// cancellation, the way a dropped transport connection would.
func (b *Bus) Disconnect(topic string) {
	b.mu.Lock()
	subs := b.subscribers[topic]
	delete(b.subscribers, topic)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.unsubscribed.Store(true)
		sub.shutdown()
	}
	logDebug("Disconnected %d subscribers from topic '%s'.", len(subs), topic)
}

// Close shuts down every subscriber; further calls fail with bus.ErrClosed.
func (b *Bus) Close() error {
	logDebug("Initiating graceful shutdown of bus.")

	allSubscribers := func() []*Subscriber {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.closed = true
		subs := make([]*Subscriber, 0)
		for _, topicSubs := range b.subscribers {
			for _, sub := range topicSubs {
				subs = append(subs, sub)
			}
		}
		b.subscribers = make(map[string]map[string]*Subscriber)
		b.topicConfigs = make(map[string]TopicConfig)
		return subs
	}()

	var wg sync.WaitGroup
	for _, sub := range allSubscribers {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			s.unsubscribed.Store(true)
			s.shutdown()
		}(sub)
	}
	wg.Wait()
	logDebug("Bus closed gracefully.")
	return nil
}
