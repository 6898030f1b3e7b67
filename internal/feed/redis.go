package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errMissingRedisAddress = errors.New("feed: redis address is required")

// RedisConfig configures the Redis pub/sub subscription.
type RedisConfig struct {
	Address string
	Channel string
	Logger  *zap.Logger
}

// RedisSource subscribes to one Redis pub/sub channel.
type RedisSource struct {
	config RedisConfig
	client *redis.Client
	pubsub *redis.PubSub
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewRedisSource validates the configuration and prepares the client.
func NewRedisSource(cfg RedisConfig) (*RedisSource, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errMissingRedisAddress
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errMissingTopic
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSource{
		config: cfg,
		client: redis.NewClient(&redis.Options{Addr: cfg.Address}),
		logger: logger,
	}, nil
}

// Start subscribes and delivers messages on a background goroutine until ctx ends.
func (s *RedisSource) Start(ctx context.Context, onMessage MessageFunc) error {
	s.pubsub = s.client.Subscribe(ctx, s.config.Channel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return fmt.Errorf("feed: redis subscribe: %w", err)
	}
	s.logger.Info("redis subscribed", zap.String("address", s.config.Address), zap.String("channel", s.config.Channel))

	messages := s.pubsub.Channel()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				onMessage(message.Channel, []byte(message.Payload))
			}
		}
	}()
	return nil
}

// Close ends the subscription and the client connection.
func (s *RedisSource) Close() error {
	var errs []error
	if s.pubsub != nil {
		errs = append(errs, s.pubsub.Close())
	}
	s.wg.Wait()
	errs = append(errs, s.client.Close())
	return errors.Join(errs...)
}
