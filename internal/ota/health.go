package ota

import (
	"context"
	"log/slog"
	"time"

	"github.com/wordclock-io/clockd/internal/clock"
)

// Check is one health probe run after booting a fresh image. Critical checks
// gate validation; non-critical ones are advisory on the final attempt.
type Check struct {
	Name     string
	Critical bool
	Run      func(ctx context.Context) error
}

// ValidatorConfig holds first-boot validation configuration.
type ValidatorConfig struct {
	// Attempts is how many validation rounds run before rollback (default 3).
	Attempts int
	// Interval is the wait between rounds (default 30s).
	Interval time.Duration
}

// Validator runs the registered health checks after a first boot and settles
// the new image's fate: MarkValid on success, TriggerRollback on exhaustion.
type Validator struct {
	cfg    ValidatorConfig
	ctrl   *Controller
	clk    clock.Clock
	logger *slog.Logger
	checks []Check
}

// NewValidator wires a validator to the controller it reports to.
func NewValidator(cfg ValidatorConfig, ctrl *Controller, clk clock.Clock, logger *slog.Logger) *Validator {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Validator{
		cfg:    cfg,
		ctrl:   ctrl,
		clk:    clk,
		logger: logger.With("component", "health_validator"),
	}
}

// AddCheck registers a health check. Not safe to call once Run has started.
func (v *Validator) AddCheck(c Check) {
	v.checks = append(v.checks, c)
}

// Run drives the validation rounds. It returns true when the image was
// marked valid, false when rollback was triggered. Context cancellation
// leaves the boot record untouched so the next boot gets another attempt.
func (v *Validator) Run(ctx context.Context) (bool, error) {
	for attempt := 1; attempt <= v.cfg.Attempts; attempt++ {
		final := attempt == v.cfg.Attempts
		if v.runRound(ctx, attempt, final) {
			if err := v.ctrl.MarkValid(); err != nil {
				return false, err
			}
			v.logger.Info("health validation passed", "attempt", attempt)
			return true, nil
		}
		if final {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-v.clk.After(v.cfg.Interval):
		}
	}

	v.logger.Error("health validation exhausted, triggering rollback",
		"attempts", v.cfg.Attempts)
	if err := v.ctrl.TriggerRollback(); err != nil {
		return false, err
	}
	return false, nil
}

// runRound runs every check once. Early rounds demand a clean slate; the
// final round accepts the image when all critical checks pass.
func (v *Validator) runRound(ctx context.Context, attempt int, final bool) bool {
	allPassed := true
	criticalPassed := true

	for _, c := range v.checks {
		if err := c.Run(ctx); err != nil {
			allPassed = false
			if c.Critical {
				criticalPassed = false
			}
			v.logger.Warn("health check failed",
				"check", c.Name, "critical", c.Critical, "attempt", attempt, "error", err)
			continue
		}
		v.logger.Debug("health check passed", "check", c.Name, "attempt", attempt)
	}

	if allPassed {
		return true
	}
	if final && criticalPassed {
		v.logger.Warn("accepting image with non-critical failures", "attempt", attempt)
		return true
	}
	return false
}
