// Package clockd wires the word-clock device daemon: the schema registry,
// the command processor, the durable outbound queue, the OTA controller, and
// the broker connection that feeds them.
//
// # Daemon Lifecycle
//
//  1. Load configuration
//  2. Open the key/value store and restore the outbound journal
//  3. Run the first-boot path (validate or roll back a fresh image)
//  4. Register builtin schemas and commands
//  5. Connect to the broker, announce availability
//  6. Start the queue worker, telemetry loop, and health validator
//  7. Run until shutdown signal
package clockd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/wordclock-io/clockd/internal/broker"
	"github.com/wordclock-io/clockd/internal/command"
	"github.com/wordclock-io/clockd/internal/config"
	"github.com/wordclock-io/clockd/internal/errlog"
	"github.com/wordclock-io/clockd/internal/kvstore"
	"github.com/wordclock-io/clockd/internal/ota"
	"github.com/wordclock-io/clockd/internal/outbound"
	"github.com/wordclock-io/clockd/internal/schema"
	"github.com/wordclock-io/clockd/internal/secrets"
	"github.com/wordclock-io/clockd/internal/telemetry"
	"github.com/wordclock-io/clockd/internal/transition"
)

// Version is set at build time.
var Version = "dev"

// Topics derives the device's topic layout from its name.
type Topics struct {
	Command       string
	Response      string
	Status        string
	Availability  string
	TransitionSet string
}

// TopicsFor returns the topic layout for a device name.
func TopicsFor(name string) Topics {
	base := "home/" + name
	return Topics{
		Command:       base + "/command",
		Response:      base + "/command/response",
		Status:        base + "/status",
		Availability:  base + "/availability",
		TransitionSet: base + "/transition/set",
	}
}

// App is the assembled daemon.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	topics Topics

	kv          *kvstore.SQLiteStore
	registry    *schema.Registry
	processor   *command.Processor
	queue       *outbound.Queue
	controller  *ota.Controller
	validator   *ota.Validator
	elog        *errlog.Log
	transitions *transition.Store
	reporter    *telemetry.Reporter
	broker      *broker.Client

	// requestRestart is swapped out in tests.
	requestRestart func() error
}

// New assembles the daemon. Nothing runs until Run.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		topics: TopicsFor(cfg.Device.Name),
		requestRestart: func() error {
			return exec.Command("systemctl", "restart", "clockd").Run()
		},
	}

	if err := os.MkdirAll(cfg.Device.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	kv, err := kvstore.Open(filepath.Join(cfg.Device.DataDir, "clockd.db"), logger)
	if err != nil {
		return nil, fmt.Errorf("open key/value store: %w", err)
	}
	a.kv = kv

	a.elog, err = errlog.New(kv, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}
	a.transitions = transition.NewStore(kv, logger)

	a.registry = schema.NewRegistry(logger)
	a.processor = command.NewProcessor(a.registry, logger)

	username, password, err := a.brokerCredentials()
	if err != nil {
		return nil, err
	}
	a.broker = broker.New(broker.Config{
		URL:               cfg.Broker.URL,
		DeviceName:        cfg.Device.Name,
		Username:          username,
		Password:          password,
		KeepAlive:         cfg.Broker.KeepaliveSeconds,
		SessionExpiry:     cfg.Broker.SessionExpirySeconds,
		Subscriptions:     []string{a.topics.Command, a.topics.TransitionSet},
		AvailabilityTopic: a.topics.Availability,
		QoS:               cfg.Broker.QoS,
	}, a.dispatch, logger)

	queueCfg := outbound.Config{
		Deliver: func(topic string, payload []byte, qos byte, _ any) bool {
			return a.broker.TryPublish(topic, payload, qos, false)
		},
		ProcessInterval:    cfg.Queue.ProcessingInterval,
		CleanupInterval:    cfg.Queue.CleanupInterval,
		PriorityProcessing: cfg.Queue.PriorityProcessing,
		AutoCleanupExpired: cfg.Queue.AutoCleanupExpired,
	}
	if cfg.Queue.Journal {
		queueCfg.Journal = kv
	}
	a.queue, err = outbound.New(queueCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create outbound queue: %w", err)
	}

	partition, err := ota.NewFilePartition(filepath.Join(cfg.Device.DataDir, "firmware"))
	if err != nil {
		return nil, fmt.Errorf("open firmware partition: %w", err)
	}
	a.controller = ota.NewController(ota.Config{
		ManifestURLs:       cfg.OTA.ManifestURLs,
		CheckTimeout:       cfg.OTA.CheckTimeout,
		MinFreeMemoryBytes: cfg.OTA.MinFreeMemoryBytes,
		RateLimitPerMinute: cfg.OTA.RateLimitPerMinute,
		AutoReboot:         cfg.OTA.AutoReboot,
		CurrentVersion:     Version,
	}, partition, kv, a.elog, nil, logger)

	a.reporter = telemetry.New(telemetry.Config{
		DeviceName:      cfg.Device.Name,
		FirmwareVersion: Version,
		Topic:           a.topics.Status,
		Interval:        cfg.Telemetry.Interval,
		QoS:             cfg.Broker.QoS,
	}, a.queue, func() string { return a.controller.State().String() }, nil, logger)

	if err := a.registerBuiltins(); err != nil {
		return nil, fmt.Errorf("register builtin commands: %w", err)
	}
	return a, nil
}

// brokerCredentials resolves username and password, consulting the secrets
// provider for whichever the config leaves empty.
func (a *App) brokerCredentials() (string, string, error) {
	username := a.cfg.Broker.Username
	password := a.cfg.Broker.Password
	if username != "" && password != "" {
		return username, password, nil
	}

	provider, err := secrets.NewProvider(
		secrets.ConfigFromEnv(a.cfg.Secrets.Backend, a.cfg.Device.DataDir), a.logger)
	if err != nil {
		return "", "", fmt.Errorf("secrets provider: %w", err)
	}
	defer provider.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if username == "" {
		if v, err := provider.Get(ctx, secrets.BrokerUsername); err == nil {
			username = v
		} else if !errors.Is(err, secrets.ErrNotFound) {
			return "", "", fmt.Errorf("resolve broker username: %w", err)
		}
	}
	if password == "" {
		if v, err := provider.Get(ctx, secrets.BrokerPassword); err == nil {
			password = v
		} else if !errors.Is(err, secrets.ErrNotFound) {
			return "", "", fmt.Errorf("resolve broker password: %w", err)
		}
	}
	return username, password, nil
}

// dispatch is the inbound pump: validate, execute, publish the response.
// Responses ride the durable queue at high priority so a broker hiccup
// between receipt and reply does not lose them.
func (a *App) dispatch(topic string, payload []byte) {
	if topic == a.topics.TransitionSet {
		a.applyTransitionUpdate(payload)
		return
	}

	result, response := a.processor.Execute(topic, payload)
	a.logger.Debug("command dispatched",
		"topic", topic, "result", result.String())

	if response == "" {
		return
	}
	if _, err := a.queue.Enqueue(outbound.Message{
		Topic:    a.topics.Response,
		Payload:  []byte(response),
		QoS:      a.cfg.Broker.QoS,
		Priority: outbound.PriorityHigh,
		TTL:      5 * time.Minute,
	}); err != nil {
		a.logger.Error("response enqueue failed", "error", err)
	}
}

// Run starts the daemon and blocks until the context is cancelled or a
// subsystem fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting clockd",
		"device", a.cfg.Device.Name,
		"version", Version,
		"broker", a.cfg.Broker.URL)

	action, err := a.controller.Startup()
	if err != nil {
		return fmt.Errorf("first-boot path: %w", err)
	}
	if action == ota.StartupRolledBack {
		// The previous image is the boot target again; restart into it.
		a.logger.Error("update rolled back, restarting into previous image")
		if err := a.requestRestart(); err != nil {
			a.logger.Error("restart request failed, manual restart required", "error", err)
		}
		return errors.New("rolled back to previous firmware image")
	}

	if err := a.broker.Connect(ctx); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}

	errCh := make(chan error, 3)

	go func() {
		errCh <- a.queue.Run(ctx)
	}()

	go func() {
		a.reporter.Run(ctx)
		errCh <- nil
	}()

	if action == ota.StartupAwaitValidation {
		a.validator = ota.NewValidator(ota.ValidatorConfig{}, a.controller, nil, a.logger)
		a.validator.AddCheck(ota.Check{
			Name:     "broker_session",
			Critical: true,
			Run: func(ctx context.Context) error {
				probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				return a.broker.Publish(probeCtx, a.topics.Status,
					[]byte(`{"event":"health_probe"}`), 0, false)
			},
		})
		go func() {
			valid, err := a.validator.Run(ctx)
			if err == nil && !valid {
				// Rollback was triggered; leave the bad image.
				errCh <- errors.New("health validation failed, rollback staged")
				return
			}
			errCh <- err
		}()
	}

	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}

	a.shutdown()
	return err
}

// shutdown flushes and closes everything Run started.
func (a *App) shutdown() {
	a.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A last delivery round drains what it can; the journal keeps the rest.
	a.queue.ProcessOnce()

	if err := a.broker.Disconnect(ctx); err != nil {
		a.logger.Warn("broker disconnect failed", "error", err)
	}
	a.processor.Close()
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("key/value store close failed", "error", err)
	}
}

// Queue exposes the outbound queue for tooling and tests.
func (a *App) Queue() *outbound.Queue { return a.queue }

// Controller exposes the OTA controller for tooling and tests.
func (a *App) Controller() *ota.Controller { return a.controller }
