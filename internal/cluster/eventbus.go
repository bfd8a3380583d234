package cluster

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event channels. The set is fixed; publishing anywhere else is a
// caller bug and is rejected.
const (
	ChannelAgent  = "agent"
	ChannelModel  = "model"
	ChannelAbort  = "abort"
	ChannelConfig = "config"
	ChannelHealth = "health"
)

var eventChannels = []string{ChannelAgent, ChannelModel, ChannelAbort, ChannelConfig, ChannelHealth}

// EventHandler processes one event. Handlers run concurrently with each
// other; returning an error only affects logging and stats.
type EventHandler func(ctx context.Context, event map[string]any) error

// EventBusStats is a point-in-time counter snapshot.
type EventBusStats struct {
	Published     int64
	Received      int64
	SelfDropped   int64
	ParseErrors   int64
	HandlerErrors int64
}

// EventBus is fire-and-forget pub/sub fan-out over the broker. Nothing
// is durable here: coordination signals are cheap to resend and
// dangerous to replay stale. Durable delivery goes through TaskStream.
type EventBus struct {
	rdb     *redis.Client
	keys    keyspace
	agentID string
	log     zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]EventHandler

	pubsub   *redis.PubSub
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	published     atomic.Int64
	received      atomic.Int64
	selfDropped   atomic.Int64
	parseErrors   atomic.Int64
	handlerErrors atomic.Int64
}

// NewEventBus creates a bus publishing and listening as agentID.
func NewEventBus(rdb *redis.Client, prefix, agentID string, log zerolog.Logger) *EventBus {
	return &EventBus{
		rdb:      rdb,
		keys:     keyspace{prefix: prefix},
		agentID:  agentID,
		log:      log,
		handlers: make(map[string][]EventHandler),
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to all event channels and launches the dispatcher.
// The underlying client resubscribes transparently after reconnects.
func (b *EventBus) Start(ctx context.Context) error {
	channels := make([]string, 0, len(eventChannels))
	for _, name := range eventChannels {
		channels = append(channels, b.keys.events(name))
	}
	b.pubsub = b.rdb.Subscribe(ctx, channels...)

	b.wg.Add(1)
	go b.dispatch()

	b.log.Debug().Strs("channels", eventChannels).Msg("event bus started")
	return nil
}

// Stop shuts down the dispatcher and closes the subscription.
func (b *EventBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.pubsub != nil {
			_ = b.pubsub.Close()
		}
	})
	b.wg.Wait()
}

// Subscribe registers a handler for a channel. Multiple handlers per
// channel are dispatched concurrently per message.
func (b *EventBus) Subscribe(channel string, h EventHandler) error {
	if !validChannel(channel) {
		return ErrUnknownChannel
	}
	b.mu.Lock()
	b.handlers[channel] = append(b.handlers[channel], h)
	b.mu.Unlock()
	return nil
}

// Publish injects sender metadata, serializes the event and broadcasts
// it. Returns the broker-reported subscriber count. Never waits for
// handlers anywhere to run.
func (b *EventBus) Publish(ctx context.Context, channel string, event map[string]any) (int64, error) {
	if !validChannel(channel) {
		return 0, ErrUnknownChannel
	}

	payload := make(map[string]any, len(event)+2)
	for k, v := range event {
		payload[k] = v
	}
	payload["_sender"] = b.agentID
	payload["_timestamp"] = time.Now().UnixMilli()

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	n, err := b.rdb.Publish(ctx, b.keys.events(channel), data).Result()
	if err != nil {
		return 0, err
	}
	b.published.Add(1)
	return n, nil
}

// dispatch is the sole reader of the subscription. It drops our own
// messages, tolerates malformed payloads and fans out to handlers in
// separate goroutines so a slow handler never stalls the stream.
func (b *EventBus) dispatch() {
	defer b.wg.Done()

	msgCh := b.pubsub.Channel()
	for {
		select {
		case <-b.stopCh:
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			b.handleMessage(msg)
		}
	}
}

func (b *EventBus) handleMessage(msg *redis.Message) {
	var event map[string]any
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		b.parseErrors.Add(1)
		b.log.Warn().Str("channel", msg.Channel).Msg("dropping unparseable event")
		return
	}

	if sender, _ := event["_sender"].(string); sender == b.agentID {
		b.selfDropped.Add(1)
		return
	}
	b.received.Add(1)

	channel := strings.TrimPrefix(msg.Channel, b.keys.events(""))

	b.mu.RLock()
	handlers := b.handlers[channel]
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.handlerErrors.Add(1)
					b.log.Error().Str("channel", channel).Any("panic", r).Msg("event handler panicked")
				}
			}()
			if err := h(context.Background(), event); err != nil {
				b.handlerErrors.Add(1)
				b.log.Warn().Err(err).Str("channel", channel).Msg("event handler failed")
			}
		}()
	}
}

// Stats returns current bus counters.
func (b *EventBus) Stats() EventBusStats {
	return EventBusStats{
		Published:     b.published.Load(),
		Received:      b.received.Load(),
		SelfDropped:   b.selfDropped.Load(),
		ParseErrors:   b.parseErrors.Load(),
		HandlerErrors: b.handlerErrors.Load(),
	}
}

func validChannel(channel string) bool {
	for _, c := range eventChannels {
		if c == channel {
			return true
		}
	}
	return false
}
