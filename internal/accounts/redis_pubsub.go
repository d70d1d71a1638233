package accounts

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// accountChannel is the account-pool pub/sub channel name, spec.md §6.
const accountChannel = "flexisip/B2BUA/account"

// RedisPubSub implements PubSub over the same Redis deployment the
// registrar's backing store uses.
type RedisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub builds a RedisPubSub bound to client.
func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

// Subscribe opens the account channel and relays messages until ctx is
// cancelled.
func (r *RedisPubSub) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, accountChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
