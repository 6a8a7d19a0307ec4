package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/eclipse/paho.golang/paho"
	"github.com/spf13/cobra"

	"github.com/wordclock-io/clockd/pkg/wire"
)

var sendCmd = &cobra.Command{
	Use:   "send <command>",
	Short: "Publish a command envelope to the device",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

var (
	sendParams []string
	sendWait   bool
)

func init() {
	sendCmd.Flags().StringArrayVar(&sendParams, "param", nil,
		"Command parameter as key=value (repeatable; values parsed as bool/number/string)")
	sendCmd.Flags().BoolVar(&sendWait, "wait", false,
		"Wait for a response on the response topic")
}

// parseParamValue keeps CLI values typed: booleans and numbers survive as
// themselves, everything else is a string.
func parseParamValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func buildEnvelope(name string, params []string) ([]byte, error) {
	env := wire.Envelope{Command: name}
	if len(params) > 0 {
		env.Parameters = make(map[string]json.RawMessage, len(params))
		for _, p := range params {
			key, value, found := strings.Cut(p, "=")
			if !found || key == "" {
				return nil, fmt.Errorf("bad --param %q, want key=value", p)
			}
			raw, err := json.Marshal(parseParamValue(value))
			if err != nil {
				return nil, fmt.Errorf("encode param %s: %w", key, err)
			}
			env.Parameters[key] = raw
		}
	}
	return json.Marshal(env)
}

func runSend(cmd *cobra.Command, args []string) error {
	topics, err := deviceTopics()
	if err != nil {
		return err
	}
	payload, err := buildEnvelope(args[0], sendParams)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	responses := make(chan string, 4)
	cm, err := connect(ctx, func(topic string, payload []byte) {
		if topic == topics.Response {
			responses <- string(payload)
		}
	})
	if err != nil {
		return err
	}
	defer cm.Disconnect(context.Background())

	if sendWait {
		if err := subscribe(ctx, cm, topics.Response); err != nil {
			return err
		}
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topics.Command,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	fmt.Printf("Sent %s to %s\n", args[0], topics.Command)

	if !sendWait {
		return nil
	}
	select {
	case resp := <-responses:
		fmt.Println(resp)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no response within %s", timeout)
	}
}
