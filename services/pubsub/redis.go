package pubsubsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/trezcool/masomo-messaging/core"
	"github.com/trezcool/masomo-messaging/core/realtime"
)

const channel = "masomo:events"

// RedisBroker relays events between API instances: events are published to redis,
// and every instance (this one included) dispatches what it receives to its local hub.
type RedisBroker struct {
	client *redis.Client
	hub    *realtime.Hub
	logger core.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ realtime.Broker = (*RedisBroker)(nil)

func NewRedisBroker(client *redis.Client, hub *realtime.Hub, logger core.Logger) *RedisBroker {
	return &RedisBroker{client: client, hub: hub, logger: logger}
}

// Start subscribes to the events channel. It returns once the subscription is confirmed.
func (b *RedisBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return errors.New("pubsub: already started")
	}

	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrap(err, "pubsub: subscribing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.listen(ctx, ps)
	return nil
}

func (b *RedisBroker) listen(ctx context.Context, ps *redis.PubSub) {
	defer close(b.done)
	defer func() { _ = ps.Close() }()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt realtime.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.logger.Warn(fmt.Sprintf("pubsub: decoding event: %v", err), err)
				continue
			}
			b.hub.Dispatch(evt)
		}
	}
}

func (b *RedisBroker) Publish(ctx context.Context, evt realtime.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return errors.Wrap(err, "pubsub: encoding event")
	}
	return errors.Wrap(b.client.Publish(ctx, channel, payload).Err(), "pubsub: publishing")
}

func (b *RedisBroker) Subscribe(topic string) (<-chan realtime.Event, func()) {
	return b.hub.Subscribe(topic)
}

// Close stops listening & closes the local subscriptions. The redis client is left open.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return b.hub.Close()
}
