// Package events publishes turn lifecycle notifications to an MQTT
// broker so external systems can observe agent activity without
// polling the API.
package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/danvaneijck/attache/internal/config"
)

// Event types published under {prefix}/events/{type}.
const (
	TypeTurnStarted   = "turn_started"
	TypeToolExecuted  = "tool_executed"
	TypeTurnCompleted = "turn_completed"
)

// Event is one lifecycle notification payload.
type Event struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id,omitempty"`
	Tool           string    `json:"tool,omitempty"`
	IsError        bool      `json:"is_error,omitempty"`
	Iterations     int       `json:"iterations,omitempty"`
	Partial        bool      `json:"partial,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher manages the broker connection and an internal queue so the
// agent loop never blocks on broker latency. Events are dropped when
// the queue is full or the broker is down; they are notifications, not
// a ledger.
type Publisher struct {
	cfg    config.MQTTConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	queue  chan Event
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Publisher but does not connect. Call Start to begin.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		logger: logger.With("component", "events"),
		queue:  make(chan Event, 64),
		done:   make(chan struct{}),
	}
}

// Enabled reports whether a broker is configured at all.
func (p *Publisher) Enabled() bool { return p.cfg.Broker != "" }

// Start connects to the broker and launches the publish worker. The
// will message marks the instance offline if the connection drops
// uncleanly; a retained "online" is published on every (re-)connect.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = p.cfg.TopicPrefix
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background; queued events flow
		// once the connection lands.
		p.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(workerCtx)
	return nil
}

// Stop publishes a clean offline marker, drains the worker, and
// disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// TurnStarted implements the agent loop's event sink.
func (p *Publisher) TurnStarted(conversationID, userID string) {
	p.enqueue(Event{
		Type:           TypeTurnStarted,
		ConversationID: conversationID,
		UserID:         userID,
	})
}

// ToolExecuted implements the agent loop's event sink.
func (p *Publisher) ToolExecuted(conversationID, tool string, isError bool) {
	p.enqueue(Event{
		Type:           TypeToolExecuted,
		ConversationID: conversationID,
		Tool:           tool,
		IsError:        isError,
	})
}

// TurnCompleted implements the agent loop's event sink.
func (p *Publisher) TurnCompleted(conversationID string, iterations int, partial bool) {
	p.enqueue(Event{
		Type:           TypeTurnCompleted,
		ConversationID: conversationID,
		Iterations:     iterations,
		Partial:        partial,
	})
}

func (p *Publisher) enqueue(ev Event) {
	ev.Timestamp = time.Now().UTC()
	select {
	case p.queue <- ev:
	default:
		p.logger.Debug("event queue full, dropping", "type", ev.Type)
	}
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.queue:
			p.publish(ctx, ev)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(ev.Type),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		p.logger.Debug("event publish failed", "type", ev.Type, "error", err)
	}
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) eventTopic(eventType string) string {
	return p.cfg.TopicPrefix + "/events/" + eventType
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("availability publish failed", "status", status, "error", err)
	}
}
