package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print device responses, status, and availability as they arrive",
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	topics, err := deviceTopics()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cm, err := connect(ctx, func(topic string, payload []byte) {
		fmt.Printf("%s  %-40s %s\n",
			time.Now().Format("15:04:05"), topic, payload)
	})
	if err != nil {
		return err
	}
	defer cm.Disconnect(context.Background())

	if err := subscribe(ctx, cm,
		topics.Response, topics.Status, topics.Availability); err != nil {
		return err
	}

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", device)
	<-ctx.Done()
	return nil
}
