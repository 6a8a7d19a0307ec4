// Package broker wraps the MQTT v5 connection: session management and
// reconnects via autopaho, the availability last-will, the command-topic
// subscription, and publishing for the outbound queue.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	// publishTimeout bounds each queue delivery attempt. The outbound queue
	// owns retries, so a slow broker just means this attempt fails.
	publishTimeout = 5 * time.Second
)

// ErrNotConnected is returned when a publish is attempted before the session
// is up.
var ErrNotConnected = errors.New("broker: not connected")

// MessageHandler receives inbound messages from subscribed topics.
type MessageHandler func(topic string, payload []byte)

// Config holds broker connection settings.
type Config struct {
	// URL of the broker, e.g. mqtt://host:1883 or ssl://host:8883.
	URL string
	// ClientID; when empty one is derived from the device name.
	ClientID string
	// DeviceName seeds the default client id.
	DeviceName string

	Username string
	Password string

	// KeepAlive in seconds (default: 60).
	KeepAlive uint16
	// SessionExpiry in seconds keeps the broker-side session (and queued
	// QoS 1 messages) alive across short disconnects (default: 300).
	SessionExpiry uint32

	// Subscriptions are (re)subscribed on every connection.
	Subscriptions []string
	// AvailabilityTopic carries the retained online/offline will.
	AvailabilityTopic string
	// QoS for the subscriptions.
	QoS byte
}

// Client is the device's broker connection. Safe for concurrent use once
// Connect returns.
type Client struct {
	cfg     Config
	handler MessageHandler
	logger  *slog.Logger

	mu sync.RWMutex
	cm *autopaho.ConnectionManager
}

// New builds a client; Connect establishes the session.
func New(cfg Config, handler MessageHandler, logger *slog.Logger) *Client {
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60
	}
	if cfg.SessionExpiry == 0 {
		cfg.SessionExpiry = 300
	}
	if cfg.ClientID == "" {
		// A random suffix keeps a replaced device from fighting its ghost
		// session over the same client id.
		cfg.ClientID = fmt.Sprintf("clockd-%s-%s", cfg.DeviceName, uuid.NewString()[:8])
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "broker"),
	}
}

// Connect establishes the managed connection and blocks until the first
// session is up or ctx is cancelled. The connection manager reconnects and
// resubscribes on its own afterwards.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse broker url: %w", err)
	}

	cliCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{u},
		KeepAlive:                     c.cfg.KeepAlive,
		SessionExpiryInterval:         c.cfg.SessionExpiry,
		CleanStartOnInitialConnection: false,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Retain:  true,
			QoS:     1,
			Topic:   c.cfg.AvailabilityTopic,
			Payload: []byte(payloadOffline),
		},
		OnConnectionUp: c.onConnectionUp,
		OnConnectError: func(err error) {
			c.logger.Warn("broker connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if c.handler != nil {
						c.handler(pr.Packet.Topic, pr.Packet.Payload)
					}
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.logger.Warn("broker client error", "error", err)
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cliCfg)
	if err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("await broker connection: %w", err)
	}
	c.logger.Info("broker connected",
		"url", c.cfg.URL, "client_id", c.cfg.ClientID)
	return nil
}

// onConnectionUp runs on every (re)connection: announce availability and
// restore the command subscription.
func (c *Client) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.cfg.AvailabilityTopic,
		Payload: []byte(payloadOnline),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("availability announce failed", "error", err)
	}

	if len(c.cfg.Subscriptions) > 0 {
		subs := make([]paho.SubscribeOptions, 0, len(c.cfg.Subscriptions))
		for _, topic := range c.cfg.Subscriptions {
			subs = append(subs, paho.SubscribeOptions{Topic: topic, QoS: c.cfg.QoS})
		}
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
			c.logger.Error("subscription failed",
				"topics", c.cfg.Subscriptions, "error", err)
			return
		}
		c.logger.Info("subscribed", "topics", c.cfg.Subscriptions)
	}
}

// Publish sends one message, waiting for the session if necessary.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	c.mu.RLock()
	cm := c.cm
	c.mu.RUnlock()
	if cm == nil {
		return ErrNotConnected
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// TryPublish is the outbound queue's delivery callback: a bounded, boolean
// publish attempt. Failures are the queue's business to retry.
func (c *Client) TryPublish(topic string, payload []byte, qos byte, retain bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.Publish(ctx, topic, payload, qos, retain); err != nil {
		c.logger.Debug("delivery attempt failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// Disconnect publishes a retained offline notice and closes the session. The
// explicit publish covers the graceful path; the will covers crashes.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	c.cm = nil
	c.mu.Unlock()
	if cm == nil {
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   c.cfg.AvailabilityTopic,
		Payload: []byte(payloadOffline),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("offline announce failed", "error", err)
	}

	c.logger.Info("disconnecting from broker")
	return cm.Disconnect(ctx)
}
