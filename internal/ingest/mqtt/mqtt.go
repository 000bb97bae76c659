// Package mqtt implements the Edge Collector's MQTT subscriber, an
// alternate ingestion source alongside the syslog UDP/TCP listeners
// (spec §4.D, SPEC_FULL.md §3.D) for environments (IoT gateways,
// OT/industrial sensors) that already publish security events onto an
// MQTT broker rather than emitting syslog.
//
// Config/New/Run follows the same shape as the teacher's push-style
// protocol ingesters (e.g. internal/ingester/fluentfwd): a Config
// struct, a constructor that wires up a component-scoped logger, and a
// Run(ctx) that blocks until cancelled.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"centinela/internal/buffer"
	"centinela/internal/logging"
)

// Sink receives one message payload published to the subscribed topic.
type Sink interface {
	Push(buffer.Event) bool
}

// Config holds MQTT subscriber configuration.
type Config struct {
	Broker   string // e.g. "tcp://mqtt.example.com:1883"
	Topic    string // supports MQTT wildcards, e.g. "events/+/security"
	ClientID string
	Username string
	Password string
	QoS      byte
	Logger   *slog.Logger
}

// Listener subscribes to an MQTT topic and pushes each message payload
// into a Sink.
type Listener struct {
	cfg    Config
	sink   Sink
	logger *slog.Logger
	client paho.Client
}

// New builds a Listener. The broker connection is established by Run,
// not New, so construction never blocks.
func New(cfg Config, sink Sink) *Listener {
	if cfg.ClientID == "" {
		cfg.ClientID = "centinela-collector"
	}
	return &Listener{
		cfg:    cfg,
		sink:   sink,
		logger: logging.Default(cfg.Logger).With("component", "ingest", "type", "mqtt"),
	}
}

// Run connects to the broker, subscribes to cfg.Topic, and blocks until
// ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(l.cfg.Broker).
		SetClientID(l.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second)

	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
		opts.SetPassword(l.cfg.Password)
	}

	opts.SetDefaultPublishHandler(l.onMessage)
	opts.SetOnConnectHandler(func(c paho.Client) {
		qos := l.cfg.QoS
		if token := c.Subscribe(l.cfg.Topic, qos, l.onMessage); token.Wait() && token.Error() != nil {
			l.logger.Error("mqtt subscribe failed", "topic", l.cfg.Topic, "error", token.Error())
		} else {
			l.logger.Info("mqtt subscribed", "topic", l.cfg.Topic, "qos", qos)
		}
	})
	opts.SetConnectionLostHandler(func(c paho.Client, err error) {
		l.logger.Warn("mqtt connection lost", "error", err)
	})

	l.client = paho.NewClient(opts)
	token := l.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", l.cfg.Broker, token.Error())
	}

	l.logger.Info("mqtt listener started", "broker", l.cfg.Broker)

	<-ctx.Done()
	l.logger.Info("mqtt listener stopping")
	l.client.Disconnect(250)
	return nil
}

func (l *Listener) onMessage(client paho.Client, msg paho.Message) {
	// MQTT messages have no peer address; the topic is the closest
	// equivalent to "where this came from" and is carried in SourceIP
	// so downstream normalization still has a provenance field to read.
	event := buffer.Event{
		RawMessage: string(msg.Payload()),
		ReceivedAt: time.Now().UnixNano(),
		SourceIP:   msg.Topic(),
	}
	if !l.sink.Push(event) {
		l.logger.Warn("mqtt message dropped, buffer full", "topic", msg.Topic())
	}
}
