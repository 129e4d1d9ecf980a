// Package livefeed publishes parsed tracking events for overlay renderers.
package livefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	channelPrefix = "tracker:"
	publishTTL    = 3 * time.Second
)

type Message struct {
	Type      string    `json:"type"`
	SessionId uuid.UUID `json:"sessionId"`
	Username  string    `json:"username"`
	At        time.Time `json:"at"`
	Data      any       `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type redisFeed struct {
	client *redis.Client
}

func NewRedisFeed(client *redis.Client) Publisher {
	return &redisFeed{client: client}
}

func Channel(username string) string {
	return channelPrefix + username
}

func (f *redisFeed) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTTL)
	defer cancel()
	return f.client.Publish(ctx, Channel(msg.Username), body).Err()
}

// Connect returns a client after verifying connectivity.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("addr", addr).Msg("redis live feed connected")
	return client, nil
}

type nopFeed struct{}

func (nopFeed) Publish(context.Context, Message) error { return nil }

// Nop discards every message.
func Nop() Publisher {
	return nopFeed{}
}
