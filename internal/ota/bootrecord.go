package ota

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/wordclock-io/clockd/internal/kvstore"
)

const (
	// Namespace in the key/value store.
	Namespace = "ota_manager"

	bootCountKey = "boot_count"
	firstBootKey = "first_boot"

	// MaxBootAttempts is how many boots a freshly updated image gets to be
	// marked valid before rollback is triggered.
	MaxBootAttempts = 3
)

// BootRecord persists the first-boot-after-update flag and the boot counter.
// The flag is set before the reboot into a new image and must be cleared by
// MarkValid before the counter exceeds MaxBootAttempts.
type BootRecord struct {
	kv     kvstore.Store
	logger *slog.Logger
}

// NewBootRecord wraps the key/value store.
func NewBootRecord(kv kvstore.Store, logger *slog.Logger) *BootRecord {
	return &BootRecord{kv: kv, logger: logger.With("component", "boot_record")}
}

// FirstBoot reports whether the first-boot-after-update flag is set.
func (b *BootRecord) FirstBoot() (bool, error) {
	v, err := b.kv.GetU8(Namespace, firstBootKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read first_boot: %w", err)
	}
	return v != 0, nil
}

// SetFirstBoot arms the flag and resets the boot counter. Called while
// flashing, before the reboot into the new image.
func (b *BootRecord) SetFirstBoot() error {
	if err := b.kv.SetU32(Namespace, bootCountKey, 0); err != nil {
		return fmt.Errorf("reset boot_count: %w", err)
	}
	if err := b.kv.SetU8(Namespace, firstBootKey, 1); err != nil {
		return fmt.Errorf("set first_boot: %w", err)
	}
	return nil
}

// IncrementBootCount bumps and returns the boot counter.
func (b *BootRecord) IncrementBootCount() (uint32, error) {
	count, err := b.kv.GetU32(Namespace, bootCountKey)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return 0, fmt.Errorf("read boot_count: %w", err)
	}
	count++
	if err := b.kv.SetU32(Namespace, bootCountKey, count); err != nil {
		return 0, fmt.Errorf("write boot_count: %w", err)
	}
	return count, nil
}

// BootCount returns the current boot counter.
func (b *BootRecord) BootCount() (uint32, error) {
	count, err := b.kv.GetU32(Namespace, bootCountKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read boot_count: %w", err)
	}
	return count, nil
}

// Clear disarms the flag and zeroes the counter. Called by MarkValid once
// health checks pass.
func (b *BootRecord) Clear() error {
	if err := b.kv.SetU8(Namespace, firstBootKey, 0); err != nil {
		return fmt.Errorf("clear first_boot: %w", err)
	}
	if err := b.kv.SetU32(Namespace, bootCountKey, 0); err != nil {
		return fmt.Errorf("reset boot_count: %w", err)
	}
	b.logger.Info("boot record cleared, image confirmed")
	return nil
}
