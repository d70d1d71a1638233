package registrar

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store against an external Redis instance, using
// the key/channel layout documented in spec.md §6: `fs:<aor>` holds the
// serialised binding set and `fs:registrar` carries invalidations.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client; the caller owns its lifecycle.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(aor AOR) string { return "fs:" + aor.Key() }

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, aor AOR, bindings []Binding) error {
	payload, err := json.Marshal(bindings)
	if err != nil {
		return errors.Wrap(err, "registrar: marshal bindings")
	}
	if err := r.client.Set(ctx, redisKey(aor), payload, 0).Err(); err != nil {
		return errors.Wrap(err, "registrar: redis SET")
	}
	return r.client.Publish(ctx, "fs:registrar", aor.Key()).Err()
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context, aor AOR) ([]Binding, error) {
	payload, err := r.client.Get(ctx, redisKey(aor)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "registrar: redis GET")
	}
	var bindings []Binding
	if err := json.Unmarshal(payload, &bindings); err != nil {
		return nil, errors.Wrap(err, "registrar: unmarshal bindings")
	}
	return bindings, nil
}

// Invalidations implements Store by subscribing to `fs:registrar` and
// relaying every published AOR key until ctx is cancelled.
func (r *RedisStore) Invalidations(ctx context.Context) (<-chan string, error) {
	sub := r.client.Subscribe(ctx, "fs:registrar")
	if _, err := sub.Receive(ctx); err != nil {
		return nil, errors.Wrap(err, "registrar: subscribe fs:registrar")
	}

	out := make(chan string, 64)
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
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// String renders the AOR in SIP URI form for logging.
func (a AOR) String() string {
	if a.GRUU != "" {
		return fmt.Sprintf("%s:%s@%s;gr=%s", a.Scheme, a.User, a.Host, a.GRUU)
	}
	return fmt.Sprintf("%s:%s@%s", a.Scheme, a.User, a.Host)
}
