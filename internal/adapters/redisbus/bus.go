// Package redisbus shares relay rooms between instances over redis pub/sub.
package redisbus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/app"
)

const DefaultChannel = "voicemesh:rooms"

type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type Bus struct {
	rdb     *redis.Client
	channel string
}

var _ app.Fanout = (*Bus)(nil)

// New connects to redis and checks the connection.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	ch := cfg.Channel
	if ch == "" {
		ch = DefaultChannel
	}
	return &Bus{rdb: rdb, channel: ch}, nil
}

func (b *Bus) Publish(ctx context.Context, msg app.FanoutMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *Bus) Subscribe(ctx context.Context, fn func(app.FanoutMessage)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			var msg app.FanoutMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Warn().Err(err).Str("module", "redisbus").Msg("bad fanout message")
				continue
			}
			fn(msg)
		}
	}
}

func (b *Bus) Close() error {
	return b.rdb.Close()
}
