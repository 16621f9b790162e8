// Package sink forwards completed polls to external systems.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/procwatch/internal/config"
	"github.com/HerbHall/procwatch/internal/event"
	"github.com/HerbHall/procwatch/pkg/models"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// ErrPublishTimeout is returned when the broker does not acknowledge a
// message in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// publisher is the part of mqtt.Client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Message is the JSON document published for each poll.
type Message struct {
	Source    string                    `json:"source"`
	Target    string                    `json:"target"`
	Timestamp time.Time                 `json:"timestamp"`
	Values    map[string]models.Reading `json:"values"`
	Instances []models.InstanceResult   `json:"instances,omitempty"`
}

// MQTTSink publishes poll results to <prefix>/<source>.
type MQTTSink struct {
	client publisher
	closer func()
	prefix string
	qos    byte
	logger *zap.Logger
}

// NewMQTTSink publishes through an existing client.
func NewMQTTSink(client publisher, prefix string, qos byte, logger *zap.Logger) *MQTTSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTSink{
		client: client,
		closer: func() {},
		prefix: strings.TrimSuffix(prefix, "/"),
		qos:    qos,
		logger: logger,
	}
}

// Dial connects to the configured broker.
func Dial(s config.MQTTSettings, logger *zap.Logger) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(s.Broker).
		SetClientID(s.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("connect mqtt %s: timed out", s.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("connect mqtt %s: %w", s.Broker, err)
	}

	sink := NewMQTTSink(client, s.TopicPrefix, s.QoS, logger)
	sink.closer = func() { client.Disconnect(250) }
	sink.logger.Info("connected to mqtt broker", zap.String("broker", s.Broker))
	return sink, nil
}

// Topic returns the topic a source publishes to. MQTT wildcards and spaces
// in the source are replaced.
func (s *MQTTSink) Topic(source string) string {
	clean := strings.NewReplacer("+", "_", "#", "_", " ", "_").Replace(source)
	if s.prefix == "" {
		return clean
	}
	return s.prefix + "/" + clean
}

// Send publishes res and waits for the broker, ctx, or the publish timeout.
func (s *MQTTSink) Send(ctx context.Context, source string, res *models.PollResult) error {
	if res == nil {
		return nil
	}
	payload, err := json.Marshal(Message{
		Source:    source,
		Target:    res.Target.String(),
		Timestamp: res.Timestamp,
		Values:    res.Values,
		Instances: res.Instances,
	})
	if err != nil {
		return fmt.Errorf("encode poll result: %w", err)
	}

	tok := s.client.Publish(s.Topic(source), s.qos, false, payload)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrPublishTimeout
	}
}

// Subscribe forwards every completed poll on bus. The returned function
// removes the subscription.
func (s *MQTTSink) Subscribe(bus event.Subscriber) func() {
	return bus.Subscribe(event.TopicPollCompleted, func(ctx context.Context, e event.Event) {
		pc, ok := e.Payload.(event.PollCompleted)
		if !ok {
			s.logger.Warn("unexpected payload type for poll completed event")
			return
		}
		if err := s.Send(ctx, e.Source, pc.Result); err != nil {
			s.logger.Warn("mqtt publish failed",
				zap.String("topic", s.Topic(e.Source)),
				zap.Error(err),
			)
		}
	})
}

// Close disconnects a client created by Dial.
func (s *MQTTSink) Close() {
	s.closer()
}
