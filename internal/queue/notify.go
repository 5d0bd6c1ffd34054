package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultWakeChannel is the Redis pub/sub channel used to wake workers.
const DefaultWakeChannel = "callboard:ingest:wake"

// Notifier delivers best-effort "new work" signals. Workers still poll, so a
// lost signal only delays processing until the next tick.
type Notifier interface {
	Notify(ctx context.Context) error
	// Subscribe returns a channel that receives a value per signal (coalesced)
	// until ctx is done.
	Subscribe(ctx context.Context) <-chan struct{}
}

// RedisNotifier publishes and subscribes on a Redis channel.
type RedisNotifier struct {
	rdb     *redis.Client
	channel string
}

func NewRedisNotifier(rdb *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultWakeChannel
	}
	return &RedisNotifier{rdb: rdb, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context) error {
	return n.rdb.Publish(ctx, n.channel, "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := n.rdb.Subscribe(ctx, n.channel)
	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				signal(out)
			}
		}
	}()
	return out
}

// LocalNotifier fans signals out to in-process subscribers.
type LocalNotifier struct {
	mu   sync.Mutex
	subs []chan struct{}
}

func NewLocalNotifier() *LocalNotifier { return &LocalNotifier{} }

func (n *LocalNotifier) Notify(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		signal(ch)
	}
	return nil
}

func (n *LocalNotifier) Subscribe(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, c := range n.subs {
			if c == ch {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				break
			}
		}
	}()
	return ch
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
