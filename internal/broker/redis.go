package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis fans frames out through redis PUBLISH/PSUBSCRIBE on one channel per
// room, so any process can reach connections held by any other.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedis creates a broker publishing on "<prefix>room:<name>".
func NewRedis(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix + "room:", logger: logger.Named("broker")}
}

func (b *Redis) Publish(ctx context.Context, room string, data []byte) error {
	if err := b.client.Publish(ctx, b.prefix+room, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", room, err)
	}
	return nil
}

func (b *Redis) Subscribe(ctx context.Context, h Handler) error {
	ps := b.client.PSubscribe(ctx, b.prefix+"*")
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("psubscribe: %w", err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				room := strings.TrimPrefix(msg.Channel, b.prefix)
				h(room, []byte(msg.Payload))
			}
		}
	}()
	b.logger.Info("subscribed to room channels", zap.String("pattern", b.prefix+"*"))
	return nil
}

// Close stops every subscription. The redis client is owned by the caller.
func (b *Redis) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, ps := range b.subs {
		if err := ps.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.subs = nil
	return firstErr
}
