// Command clockctl talks to a running clockd over MQTT: send commands, watch
// responses and status, and drive firmware updates.
//
// # Examples
//
//	clockctl --device clock-livingroom send status --wait
//	clockctl --device clock-livingroom send set_brightness --param brightness=128
//	clockctl --device clock-livingroom ota update --wait
//	clockctl --device clock-livingroom watch
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wordclock-io/clockd"
)

var rootCmd = &cobra.Command{
	Use:   "clockctl",
	Short: "Control a clockd device over MQTT",
}

var (
	brokerURL string
	device    string
	username  string
	password  string
	timeout   time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker",
		envOr("CLOCKD_BROKER_URL", "mqtt://localhost:1883"), "MQTT broker URL")
	rootCmd.PersistentFlags().StringVar(&device, "device",
		os.Getenv("CLOCKD_DEVICE_NAME"), "Device name (required)")
	rootCmd.PersistentFlags().StringVar(&username, "username",
		os.Getenv("CLOCKD_BROKER_USERNAME"), "Broker username")
	rootCmd.PersistentFlags().StringVar(&password, "password",
		os.Getenv("CLOCKD_BROKER_PASSWORD"), "Broker password")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"Wait timeout for broker operations")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func deviceTopics() (clockd.Topics, error) {
	if device == "" {
		return clockd.Topics{}, fmt.Errorf("--device is required (or set CLOCKD_DEVICE_NAME)")
	}
	return clockd.TopicsFor(device), nil
}

// connect opens a broker session for one CLI invocation. The handler, when
// non-nil, receives every inbound message.
func connect(ctx context.Context, handler func(topic string, payload []byte)) (*autopaho.ConnectionManager, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{u},
		KeepAlive:       30,
		ConnectUsername: username,
		ConnectPassword: []byte(password),
		ClientConfig: paho.ClientConfig{
			ClientID: "clockctl-" + uuid.NewString()[:8],
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if handler != nil {
						handler(pr.Packet.Topic, pr.Packet.Payload)
					}
					return true, nil
				},
			},
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("start connection: %w", err)
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", brokerURL, err)
	}
	return cm, nil
}

func subscribe(ctx context.Context, cm *autopaho.ConnectionManager, topics ...string) error {
	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func main() {
	rootCmd.AddCommand(sendCmd, watchCmd, otaCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
