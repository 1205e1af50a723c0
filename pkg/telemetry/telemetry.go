// Package telemetry forwards controller events and session summaries to an
// MQTT broker as JSON.
package telemetry

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/itohio/gostim/pkg/config"
	"github.com/itohio/gostim/pkg/controller"
	"github.com/itohio/gostim/pkg/events"
)

// Client is the subset of mqtt.Client the sink uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

var _ Client = mqtt.Client(nil)

// Sink publishes to <prefix>/events/<kind>, <prefix>/sessions and the
// retained <prefix>/status topic.
type Sink struct {
	client  Client
	prefix  string
	qos     byte
	timeout time.Duration
	log     *zap.SugaredLogger
}

// Connect dials the broker described by cfg and returns a sink on it.
func Connect(cfg config.TelemetryConfig, log *zap.SugaredLogger) (*Sink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if cfg.Timeout > 0 {
		opts.SetConnectTimeout(cfg.Timeout)
	}

	client := mqtt.NewClient(opts)

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}

	return New(client, cfg, log), nil
}

// New wraps an already connected client.
func New(client Client, cfg config.TelemetryConfig, log *zap.SugaredLogger) *Sink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "gostim"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Sink{
		client:  client,
		prefix:  prefix,
		qos:     cfg.QoS,
		timeout: timeout,
		log:     log.Named("telemetry"),
	}
}

// Handle publishes e. It is an events.Handler; failures are logged and dropped.
func (s *Sink) Handle(e events.Event) {
	if err := s.publish(path.Join(s.prefix, "events", string(e.Kind)), false, e); err != nil {
		s.log.Warnw("publish event", "kind", e.Kind, "err", err)
	}

	if e.Kind == events.SessionCompleted {
		if err := s.publish(path.Join(s.prefix, "sessions"), false, e.Payload); err != nil {
			s.log.Warnw("publish session summary", "err", err)
		}
	}
}

// PublishStatus publishes snap to the retained status topic.
func (s *Sink) PublishStatus(snap controller.Snapshot) error {
	return s.publish(path.Join(s.prefix, "status"), true, snap)
}

// Close disconnects from the broker.
func (s *Sink) Close() {
	s.client.Disconnect(250)
}

func (s *Sink) publish(topic string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", topic, err)
	}

	token := s.client.Publish(topic, s.qos, retained, payload)
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, s.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}
