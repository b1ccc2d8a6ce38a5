package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/1ureka/rtcall/internal/protocol"
)

// userTopic is the pub/sub channel a user listens on.
func userTopic(userID string) string {
	return fmt.Sprintf("rtcall:user:%s", userID)
}

// RedisChannel is a Channel over Redis pub/sub: every user subscribes to its
// own topic and publishes to the destination's. Redis preserves publish order
// per connection, and the envelope sequence covers reconnects.
type RedisChannel struct {
	client *redis.Client
	pubsub *redis.PubSub
	self   string
	seq    *sequencer
	in     *inbound

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewRedisChannel subscribes userID's topic and starts delivering messages.
func NewRedisChannel(ctx context.Context, client *redis.Client, userID string) (*RedisChannel, error) {
	pubsub := client.Subscribe(ctx, userTopic(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", userTopic(userID), err)
	}

	rCtx, cancel := context.WithCancel(context.Background())
	c := &RedisChannel{
		client: client,
		pubsub: pubsub,
		self:   userID,
		seq:    newSequencer(),
		in:     newInbound(userID),
		cancel: cancel,
	}
	go c.receive(rCtx)
	return c, nil
}

// Send publishes ev on the destination's topic. A publish that reached no
// subscriber means the peer is offline.
func (c *RedisChannel) Send(ctx context.Context, to string, ev protocol.Event) error {
	data, err := c.seq.encode(c.self, to, ev)
	if err != nil {
		return err
	}
	n, err := c.client.Publish(ctx, userTopic(to), data).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type(), err)
	}
	if n == 0 {
		return fmt.Errorf("send %s to %s: %w", ev.Type(), to, ErrPeerUnavailable)
	}
	return nil
}

// Messages implements Channel.
func (c *RedisChannel) Messages() <-chan Message { return c.in.messages() }

// Close unsubscribes and stops delivery.
func (c *RedisChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.pubsub.Close()
		c.in.close()
	})
	return err
}

func (c *RedisChannel) receive(ctx context.Context) {
	ch := c.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			c.in.handle([]byte(msg.Payload))
		}
	}
}

