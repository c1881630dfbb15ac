package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/chutehq/chute/internal/upload"
	"github.com/chutehq/chute/pkg/config"
)

// Event is the JSON payload published for each upload state transition.
type Event struct {
	ID        string          `json:"id"`
	Offset    int64           `json:"offset"`
	Size      int64           `json:"size"`
	Deferred  bool            `json:"size_is_deferred"`
	MetaData  upload.MetaData `json:"metadata"`
	Timestamp time.Time       `json:"timestamp"`
}

// Channel names events are published on.
const (
	ChannelCreated    = "chute:created"
	ChannelFinished   = "chute:finished"
	ChannelTerminated = "chute:terminated"
)

// Publisher forwards upload lifecycle events to Redis pub/sub channels so
// external collaborators can react to uploads without sitting in the
// request path. Publishing is best-effort: failures are logged by the hook
// dispatcher and never affect protocol state.
type Publisher struct {
	client *redis.Client
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(cfg *config.RedisConfig) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("addr", cfg.RedisAddr()).Msg("redis event publisher connected")
	return &Publisher{client: client}, nil
}

// Register attaches the publisher to the dispatcher's post-transition
// hooks.
func (p *Publisher) Register(hooks *upload.Dispatcher) {
	hooks.OnCreated(p.listener(ChannelCreated))
	hooks.OnFinished(p.listener(ChannelFinished))
	hooks.OnTerminated(p.listener(ChannelTerminated))
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func (p *Publisher) listener(channel string) upload.ListenerFunc {
	return func(ctx context.Context, ev upload.HookEvent) error {
		payload := Event{
			ID:        ev.Upload.ID,
			Offset:    ev.Upload.Offset,
			Size:      ev.Upload.Size,
			Deferred:  ev.Upload.SizeIsDeferred,
			MetaData:  ev.Upload.MetaData,
			Timestamp: time.Now().UTC(),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", channel, err)
		}
		return nil
	}
}
