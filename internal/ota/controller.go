// Package ota performs firmware replacement for the device: it fetches a
// version manifest, streams the image into the spare partition, verifies its
// SHA-256, and installs it as the next boot target. The first boot after an
// update must be acknowledged through MarkValid, otherwise the boot record
// triggers rollback to the previous image.
package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wordclock-io/clockd/internal/clock"
	"github.com/wordclock-io/clockd/internal/errlog"
	"github.com/wordclock-io/clockd/internal/kvstore"
)

// chunkSize bounds download writes and verification reads.
const chunkSize = 4096

var (
	// ErrInvalidState is returned when an operation is not legal in the
	// controller's current state.
	ErrInvalidState = errors.New("ota: invalid state for operation")
	// ErrLowMemory is returned when free memory is below the configured
	// floor at start.
	ErrLowMemory = errors.New("ota: insufficient free memory")
)

// Config holds controller configuration.
type Config struct {
	// ManifestURLs are tried in order when an update starts.
	ManifestURLs []string
	// CheckTimeout bounds each HTTP request (default: 120s).
	CheckTimeout time.Duration
	// MinFreeMemoryBytes is the free-memory floor below which updates are
	// refused. Zero disables the check.
	MinFreeMemoryBytes uint64
	// RateLimitPerMinute caps manifest requests (default: 6).
	RateLimitPerMinute int
	// AutoReboot requests a restart once an update completes.
	AutoReboot bool
	// CurrentVersion is the running firmware version.
	CurrentVersion string
}

// Options adjusts one update cycle.
type Options struct {
	// ManifestURL overrides the configured URL list when non-empty.
	ManifestURL string
	// SkipVersionCheck installs the manifest's image even when it is not
	// newer than the running version.
	SkipVersionCheck bool
	// AutoReboot overrides the configured setting for this cycle.
	AutoReboot *bool
}

// Progress is a copy-out snapshot of the update cycle.
type Progress struct {
	State           State
	Error           UpdateError
	Version         string
	BytesDownloaded int64
	TotalBytes      int64
	Percent         int
	StartedAt       time.Time
}

// StartupAction is what the first-boot path decided at daemon start.
type StartupAction int

const (
	// StartupNormal means no update is pending acknowledgement.
	StartupNormal StartupAction = iota
	// StartupAwaitValidation means a fresh image booted and health checks
	// must confirm it via MarkValid.
	StartupAwaitValidation
	// StartupRolledBack means the boot budget ran out and the previous
	// image was restored; a restart is required to leave the bad image.
	StartupRolledBack
)

// Controller drives the update state machine. One worker goroutine runs per
// update cycle; every exported method is safe for concurrent use.
type Controller struct {
	cfg       Config
	partition Partition
	boot      *BootRecord
	fetcher   *Fetcher
	errlog    *errlog.Log
	clk       clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	progress Progress
	stopping bool
	cancel   context.CancelFunc

	// freeMemory and requestRestart are swapped out in tests.
	freeMemory     func() (uint64, error)
	requestRestart func() error

	// notify observes committed state transitions; nil outside tests.
	notify func(State)
}

// NewController wires a controller. The error log may be nil; a nil clk
// selects the real clock.
func NewController(cfg Config, partition Partition, kv kvstore.Store, elog *errlog.Log, clk clock.Clock, logger *slog.Logger) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	logger = logger.With("component", "ota")
	return &Controller{
		cfg:       cfg,
		partition: partition,
		boot:      NewBootRecord(kv, logger),
		fetcher: NewFetcher(FetcherConfig{
			URLs:               cfg.ManifestURLs,
			Timeout:            cfg.CheckTimeout,
			RateLimitPerMinute: cfg.RateLimitPerMinute,
		}, logger),
		errlog: elog,
		clk:    clk,
		logger: logger,
		freeMemory: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
		requestRestart: func() error {
			return exec.Command("systemctl", "restart", "clockd").Run()
		},
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetProgress returns a snapshot of the update cycle. After a cycle finishes
// the state reads Idle while Error and the byte counters keep the outcome.
func (c *Controller) GetProgress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.progress
	p.State = c.state
	return p
}

// StartUpdate begins an update cycle. It returns ErrInvalidState unless the
// controller is Idle, ErrLowMemory when free memory is below the floor, and
// otherwise spawns the worker and returns immediately.
func (c *Controller) StartUpdate(ctx context.Context, opts Options) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: update already running (state %s)", ErrInvalidState, state)
	}

	if c.cfg.MinFreeMemoryBytes > 0 {
		free, err := c.freeMemory()
		if err != nil {
			c.logger.Warn("free memory check failed, continuing", "error", err)
		} else if free < c.cfg.MinFreeMemoryBytes {
			c.mu.Unlock()
			return fmt.Errorf("%w: %d bytes free, need %d", ErrLowMemory, free, c.cfg.MinFreeMemoryBytes)
		}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopping = false
	c.progress = Progress{StartedAt: c.clk.Now()}
	c.setStateLocked(StateChecking)
	c.mu.Unlock()

	c.logger.Info("update started", "current_version", c.cfg.CurrentVersion)
	go c.run(workerCtx, opts)
	return nil
}

// Cancel stops an in-flight download or verification. The worker observes the
// stop at the next chunk boundary and finishes the cycle as Failed.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDownloading && c.state != StateVerifying {
		return fmt.Errorf("%w: nothing cancellable in state %s", ErrInvalidState, c.state)
	}
	c.stopping = true
	if c.cancel != nil {
		c.cancel()
	}
	c.logger.Info("update cancellation requested", "state", c.state.String())
	return nil
}

// run is the update worker: Checking → Downloading → Verifying → Flashing →
// Complete, any step may divert to Failed. The cycle always ends back at
// Idle.
func (c *Controller) run(ctx context.Context, opts Options) {
	defer c.finish()

	// Checking: fetch and screen the manifest.
	fetcher := c.fetcher
	if opts.ManifestURL != "" {
		fetcher = NewFetcher(FetcherConfig{
			URLs:               []string{opts.ManifestURL},
			Timeout:            c.cfg.CheckTimeout,
			RateLimitPerMinute: c.cfg.RateLimitPerMinute,
		}, c.logger)
	}
	manifest, manifestURL, err := fetcher.Fetch(ctx)
	if err != nil {
		c.fail(ErrorNoInternet, fmt.Errorf("fetch manifest: %w", err))
		return
	}

	c.mu.Lock()
	c.progress.Version = manifest.Version
	c.progress.TotalBytes = manifest.SizeBytes
	c.mu.Unlock()

	if !opts.SkipVersionCheck && !IsNewerVersion(manifest.Version, c.cfg.CurrentVersion) {
		c.fail(ErrorInvalidVersion, fmt.Errorf("manifest version %s not newer than %s",
			manifest.Version, c.cfg.CurrentVersion))
		return
	}

	// Downloading: stream the image into the spare partition.
	if !c.transition(StateDownloading) {
		return
	}
	firmwareURL, err := FirmwareURL(manifestURL, manifest.Version)
	if err != nil {
		c.fail(ErrorDownloadFailed, err)
		return
	}
	if err := c.download(ctx, fetcher, firmwareURL, manifest.SizeBytes); err != nil {
		c.fail(ErrorDownloadFailed, err)
		return
	}

	// Verifying: SHA-256 over exactly the declared firmware length.
	if !c.transition(StateVerifying) {
		return
	}
	if err := c.verify(manifest.SizeBytes, manifest.SHA256); err != nil {
		if errors.Is(err, errChecksumMismatch) {
			c.fail(ErrorChecksumMismatch, err)
		} else {
			c.fail(ErrorDownloadFailed, err)
		}
		return
	}

	// Flashing: install as next boot target and arm the boot record.
	if !c.transition(StateFlashing) {
		return
	}
	if err := c.partition.CommitNext(manifest.Version); err != nil {
		c.fail(ErrorFlashFailed, fmt.Errorf("commit image: %w", err))
		return
	}
	if err := c.boot.SetFirstBoot(); err != nil {
		c.fail(ErrorFlashFailed, fmt.Errorf("arm boot record: %w", err))
		return
	}

	c.transition(StateComplete)
	c.logger.Info("update complete", "version", manifest.Version)

	autoReboot := c.cfg.AutoReboot
	if opts.AutoReboot != nil {
		autoReboot = *opts.AutoReboot
	}
	if autoReboot {
		if err := c.requestRestart(); err != nil {
			c.logger.Error("restart request failed, manual restart required", "error", err)
		}
	}
}

// download copies the firmware stream into the staging area in chunkSize
// pieces, updating progress and honoring cancellation at each boundary.
func (c *Controller) download(ctx context.Context, fetcher *Fetcher, firmwareURL string, total int64) error {
	body, err := fetcher.OpenFirmware(ctx, firmwareURL)
	if err != nil {
		return err
	}
	defer body.Close()

	w, err := c.partition.Stage()
	if err != nil {
		return fmt.Errorf("stage partition: %w", err)
	}
	defer w.Close()

	buf := make([]byte, chunkSize)
	var written int64
	for {
		if c.cancelled(ctx) {
			return fmt.Errorf("download cancelled at %d bytes", written)
		}
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write chunk: %w", werr)
			}
			written += int64(n)
			c.mu.Lock()
			c.progress.BytesDownloaded = written
			if total > 0 {
				c.progress.Percent = int(written * 100 / total)
			}
			c.mu.Unlock()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
	}

	if written < total {
		return fmt.Errorf("stream ended early: %d of %d bytes", written, total)
	}
	c.logger.Info("firmware downloaded", "bytes", written)
	return nil
}

// verify hashes the staged image and compares against the manifest digest.
// Only the first firmwareSize bytes of the partition are hashed: the slot may
// hold residual bytes of an older image past the fresh download.
func (c *Controller) verify(firmwareSize int64, wantHex string) error {
	r, stagedSize, err := c.partition.Reader()
	if err != nil {
		return fmt.Errorf("open staged image: %w", err)
	}
	if closer, ok := r.(io.Closer); ok {
		defer closer.Close()
	}
	if stagedSize < firmwareSize {
		return fmt.Errorf("staged image %d bytes, manifest declares %d", stagedSize, firmwareSize)
	}

	got, err := ChecksumRange(r, firmwareSize, func() bool { return c.cancelled(nil) })
	if err != nil {
		return err
	}
	if !equalHex(got, wantHex) {
		c.recordError(int(ErrorChecksumMismatch),
			fmt.Sprintf("checksum mismatch: got %.16s..., want %.16s...", got, wantHex))
		return fmt.Errorf("%w: got %s, want %s", errChecksumMismatch, got, wantHex)
	}
	c.logger.Info("firmware verified", "sha256", got, "bytes", firmwareSize)
	return nil
}

func (c *Controller) cancelled(ctx context.Context) bool {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return true
		default:
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// transition commits a state change, refusing moves outside the cycle DAG. A
// false return means the worker should stop; the only cause is a cancellation
// racing the transition.
func (c *Controller) transition(to State) bool {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		c.fail(ErrorDownloadFailed, errors.New("update cancelled"))
		return false
	}
	if !canTransition(c.state, to) {
		c.logger.Error("illegal state transition refused",
			"from", c.state.String(), "to", to.String())
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(to)
	c.mu.Unlock()
	return true
}

func (c *Controller) setStateLocked(to State) {
	from := c.state
	c.state = to
	c.logger.Debug("state transition", "from", from.String(), "to", to.String())
	if c.notify != nil {
		c.notify(to)
	}
}

// fail marks the cycle failed with a specific tag and abandons the staged
// image. The boot target is never touched on failure.
func (c *Controller) fail(tag UpdateError, err error) {
	c.partition.Abandon()

	c.mu.Lock()
	c.progress.Error = tag
	if canTransition(c.state, StateFailed) {
		c.setStateLocked(StateFailed)
	}
	c.mu.Unlock()

	c.logger.Error("update failed", "error_tag", tag.String(), "error", err)
}

// finish returns the controller to Idle, keeping the outcome in progress.
func (c *Controller) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.state == StateComplete || c.state == StateFailed {
		c.setStateLocked(StateIdle)
	}
	c.stopping = false
}

// Startup runs the first-boot path at daemon start, before normal operation.
func (c *Controller) Startup() (StartupAction, error) {
	first, err := c.boot.FirstBoot()
	if err != nil {
		return StartupNormal, err
	}
	if !first {
		return StartupNormal, nil
	}

	count, err := c.boot.IncrementBootCount()
	if err != nil {
		return StartupNormal, err
	}
	c.logger.Info("first boot after update", "boot_count", count)

	if count > MaxBootAttempts {
		c.logger.Error("boot budget exhausted without validation, rolling back",
			"boot_count", count)
		if err := c.TriggerRollback(); err != nil {
			return StartupNormal, fmt.Errorf("rollback: %w", err)
		}
		return StartupRolledBack, nil
	}
	return StartupAwaitValidation, nil
}

// MarkValid acknowledges the new image: the first-boot flag is cleared and
// the boot counter reset. The host calls this once its health checks pass.
func (c *Controller) MarkValid() error {
	if err := c.boot.Clear(); err != nil {
		return err
	}
	c.logger.Info("image marked valid")
	return nil
}

// TriggerRollback repoints the boot target at the previous image and disarms
// the boot record. Takes effect at the next restart.
func (c *Controller) TriggerRollback() error {
	if err := c.partition.Rollback(); err != nil {
		return err
	}
	if err := c.boot.Clear(); err != nil {
		return err
	}
	c.recordError(int(ErrorFlashFailed), "rollback triggered, reverting to previous image")
	c.logger.Error("rollback triggered")
	return nil
}

func (c *Controller) recordError(code int, message string) {
	if c.errlog == nil {
		return
	}
	if err := c.errlog.Record("ota", errlog.SeverityError, code, message); err != nil {
		c.logger.Warn("failed to persist error log entry", "error", err)
	}
}
