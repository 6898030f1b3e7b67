package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesceMs   = 250
	clientIDPrefix        = "kerbtrack-"
)

var (
	errMissingBroker = errors.New("feed: mqtt broker is required")
	errMissingTopic  = errors.New("feed: topic is required")
)

// MQTTConfig configures the MQTT subscription.
type MQTTConfig struct {
	Broker         string
	Topic          string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// MQTTSource subscribes to a single MQTT topic and keeps the subscription alive across reconnects.
type MQTTSource struct {
	config MQTTConfig
	client mqtt.Client
	logger *zap.Logger
}

// NewMQTTSource validates the configuration. The connection is opened by Start.
func NewMQTTSource(cfg MQTTConfig) (*MQTTSource, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errMissingBroker
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errMissingTopic
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("feed: invalid mqtt qos %d", cfg.QoS)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = clientIDPrefix + uuid.NewString()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTSource{config: cfg, logger: logger}, nil
}

// Start connects to the broker and subscribes. When the broker is unreachable the client
// keeps retrying in the background and Start returns without error.
func (s *MQTTSource) Start(ctx context.Context, onMessage MessageFunc) error {
	logger := s.logger.With(zap.String("broker", s.config.Broker), zap.String("topic", s.config.Topic))

	options := mqtt.NewClientOptions().
		AddBroker(s.config.Broker).
		SetClientID(s.config.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(s.config.ConnectTimeout)

	options.SetOnConnectHandler(func(client mqtt.Client) {
		token := client.Subscribe(s.config.Topic, s.config.QoS, func(_ mqtt.Client, message mqtt.Message) {
			onMessage(message.Topic(), message.Payload())
		})
		if !token.WaitTimeout(s.config.ConnectTimeout) {
			logger.Warn("mqtt subscribe timed out")
			return
		}
		if err := token.Error(); err != nil {
			logger.Error("mqtt subscribe failed", zap.Error(err))
			return
		}
		logger.Info("mqtt subscribed")
	})
	options.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	options.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("mqtt reconnecting")
	})

	s.client = mqtt.NewClient(options)
	token := s.client.Connect()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("feed: mqtt connect: %w", err)
		}
	case <-time.After(s.config.ConnectTimeout):
		logger.Warn("mqtt broker not reachable yet, retrying in background")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSource) Close() error {
	if s.client != nil {
		s.client.Disconnect(disconnectQuiesceMs)
	}
	return nil
}
