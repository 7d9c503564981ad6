package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/chaingate/pkg/errs"
	"github.com/canopy-network/chaingate/pkg/models"
	"github.com/canopy-network/chaingate/pkg/redis"
)

// DefaultRedisChannel is the Pub/Sub channel the indexer publishes events on.
const DefaultRedisChannel = "gateway:events"

// RedisSource reads the indexer's event feed from a Redis Pub/Sub channel carrying JSON events.
type RedisSource struct {
	client  *redis.Client
	channel string
	buffer  int
	logger  *zap.Logger
}

// NewRedisSource returns a source subscribed to channel on client.
func NewRedisSource(client *redis.Client, channel string, logger *zap.Logger) *RedisSource {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSource{client: client, channel: channel, buffer: 256, logger: logger}
}

// OpenEventStream subscribes to the channel and waits for Redis to confirm the subscription.
func (s *RedisSource) OpenEventStream(ctx context.Context) (EventStream, error) {
	s.logger.Info("Opening Redis event stream", zap.String("channel", s.channel))

	pubsub := s.client.Subscribe(ctx, s.channel)

	// Wait for confirmation of subscription with timeout
	receiveCtx, receiveCancel := context.WithTimeout(ctx, 5*time.Second)
	defer receiveCancel()

	if _, err := pubsub.Receive(receiveCtx); err != nil {
		_ = pubsub.Close()
		return nil, errs.Classify("redis subscribe", fmt.Errorf("failed to confirm Redis subscription: %w", err))
	}

	readCtx, cancel := context.WithCancel(context.Background())
	f := newFeed("redis event stream", s.buffer, func() error {
		cancel()
		return pubsub.Close()
	})

	go func() {
		defer close(f.events)
		for {
			msg, err := pubsub.ReceiveMessage(readCtx)
			if err != nil {
				if readCtx.Err() == nil {
					s.logger.Warn("Redis event stream broke", zap.String("channel", s.channel), zap.Error(err))
					f.fail(err)
				}
				return
			}

			var event models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.Error("Failed to parse Redis event",
					zap.Error(err),
					zap.String("channel", msg.Channel))
				continue
			}
			if !f.push(event) {
				return
			}
		}
	}()

	return f, nil
}

// PublishEvent publishes event on the source channel. Used by tooling and tests that stand in
// for the indexer.
func (s *RedisSource) PublishEvent(ctx context.Context, event models.Event) error {
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	receivers, err := s.client.Publish(ctx, s.channel, b)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return errs.Unavailable("redis publish", err)
	}
	s.logger.Debug("Published event", zap.String("channel", s.channel), zap.String("event_id", event.ID), zap.Int64("receivers", receivers))
	return nil
}
