package ota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wordclock-io/clockd/internal/clock"
)

func newTestValidator(t *testing.T, cfg ValidatorConfig, fc *clock.FakeClock) (*Validator, *testEnv) {
	t.Helper()
	env := newTestEnv(t, Config{CurrentVersion: "v2.0.0"})
	if err := env.ctrl.boot.SetFirstBoot(); err != nil {
		t.Fatal(err)
	}
	if _, err := env.ctrl.Startup(); err != nil {
		t.Fatal(err)
	}
	return NewValidator(cfg, env.ctrl, fc, testLogger()), env
}

func TestValidator_AllPassMarksValid(t *testing.T) {
	v, env := newTestValidator(t, ValidatorConfig{}, clock.Fake(time.Unix(0, 0)))
	v.AddCheck(Check{Name: "display", Critical: true, Run: func(context.Context) error { return nil }})
	v.AddCheck(Check{Name: "ntp", Run: func(context.Context) error { return nil }})

	ok, err := v.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ok {
		t.Fatal("expected validation to pass")
	}
	if first, _ := env.ctrl.boot.FirstBoot(); first {
		t.Error("first_boot still armed after successful validation")
	}
}

func TestValidator_RecoversOnLaterRound(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	v, env := newTestValidator(t, ValidatorConfig{Attempts: 3, Interval: 30 * time.Second}, fc)

	calls := 0
	v.AddCheck(Check{Name: "broker", Critical: true, Run: func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("not connected yet")
		}
		return nil
	}})

	done := make(chan struct{})
	var ok bool
	var runErr error
	go func() {
		ok, runErr = v.Run(context.Background())
		close(done)
	}()

	fc.WaitForWaiters(1)
	fc.Advance(30 * time.Second)
	<-done

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if !ok {
		t.Fatal("expected validation to pass on second round")
	}
	if calls != 2 {
		t.Errorf("check ran %d times, want 2", calls)
	}
	if first, _ := env.ctrl.boot.FirstBoot(); first {
		t.Error("first_boot still armed")
	}
}

func TestValidator_ExhaustionTriggersRollback(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	v, env := newTestValidator(t, ValidatorConfig{Attempts: 3, Interval: 30 * time.Second}, fc)

	calls := 0
	v.AddCheck(Check{Name: "display", Critical: true, Run: func(context.Context) error {
		calls++
		return errors.New("blank panel")
	}})

	done := make(chan struct{})
	var ok bool
	var runErr error
	go func() {
		ok, runErr = v.Run(context.Background())
		close(done)
	}()

	// Two waits separate the three rounds.
	for i := 0; i < 2; i++ {
		fc.WaitForWaiters(1)
		fc.Advance(30 * time.Second)
	}
	<-done

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if ok {
		t.Fatal("expected validation to fail")
	}
	if calls != 3 {
		t.Errorf("check ran %d times, want 3", calls)
	}
	if _, rolledBack, _ := env.partition.snapshot(); !rolledBack {
		t.Error("rollback not triggered")
	}
	if first, _ := env.ctrl.boot.FirstBoot(); first {
		t.Error("boot record still armed after rollback")
	}
}

func TestValidator_FinalRoundAcceptsNonCriticalFailure(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	v, env := newTestValidator(t, ValidatorConfig{Attempts: 2, Interval: time.Second}, fc)

	v.AddCheck(Check{Name: "display", Critical: true, Run: func(context.Context) error { return nil }})
	v.AddCheck(Check{Name: "ntp", Run: func(context.Context) error { return errors.New("no sync") }})

	done := make(chan struct{})
	var ok bool
	go func() {
		ok, _ = v.Run(context.Background())
		close(done)
	}()

	fc.WaitForWaiters(1)
	fc.Advance(time.Second)
	<-done

	if !ok {
		t.Fatal("final round should accept image with only non-critical failures")
	}
	if _, rolledBack, _ := env.partition.snapshot(); rolledBack {
		t.Error("unexpected rollback")
	}
}

func TestValidator_ContextCancelLeavesBootRecord(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	v, env := newTestValidator(t, ValidatorConfig{Attempts: 3, Interval: time.Minute}, fc)
	v.AddCheck(Check{Name: "display", Critical: true, Run: func(context.Context) error {
		return errors.New("blank panel")
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		_, runErr = v.Run(ctx)
		close(done)
	}()

	fc.WaitForWaiters(1)
	cancel()
	<-done

	if !errors.Is(runErr, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", runErr)
	}
	// The decision is deferred to the next boot: nothing settled.
	if first, _ := env.ctrl.boot.FirstBoot(); !first {
		t.Error("first_boot cleared by cancelled validation")
	}
	if _, rolledBack, _ := env.partition.snapshot(); rolledBack {
		t.Error("rollback triggered by cancelled validation")
	}
}
