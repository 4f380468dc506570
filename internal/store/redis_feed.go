package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFeed publishes changes over Redis pub/sub so that every server
// process can serve live subscriptions for any user.
type RedisFeed struct {
	client *redis.Client
	prefix string
}

// NewRedisClient parses url and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = 3

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedisFeed creates a feed whose channels are namespaced by appID.
func NewRedisFeed(client *redis.Client, appID string) *RedisFeed {
	return &RedisFeed{client: client, prefix: appID + ":bookings:"}
}

func (f *RedisFeed) channel(uid string) string {
	return f.prefix + uid
}

// Publish sends c on the owner's channel.
func (f *RedisFeed) Publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(c.UserID), string(payload)).Err(); err != nil {
		return fmt.Errorf("publish change for %s: %w", c.UserID, err)
	}
	return nil
}

// Subscribe listens on the owner's channel until cancel is called or ctx ends.
// The channel is closed early when the subscriber falls a full buffer behind.
func (f *RedisFeed) Subscribe(ctx context.Context, uid string) (<-chan Change, func()) {
	ctx, stop := context.WithCancel(ctx)
	pubsub := f.client.Subscribe(ctx, f.channel(uid))
	out := make(chan Change, subscriberBuffer)

	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					log.Printf("feed: discarding malformed message on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- c:
				default:
					log.Printf("feed: subscriber of %s fell behind at %s event for booking %s; closing it", uid, c.Type, c.ReservationID)
					return
				}
			}
		}
	}()

	var once sync.Once
	return out, func() { once.Do(stop) }
}
