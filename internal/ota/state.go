package ota

import "fmt"

// State is the update cycle state. Transitions are monotonic within one
// cycle: Idle → Checking → Downloading → Verifying → Flashing → (Complete |
// Failed) → Idle.
type State int

const (
	StateIdle State = iota
	StateChecking
	StateDownloading
	StateVerifying
	StateFlashing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateFlashing:
		return "flashing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// validTransitions is the update cycle DAG. Every state may fail; Verifying
// is never skipped on the way to Flashing.
var validTransitions = map[State][]State{
	StateIdle:        {StateChecking},
	StateChecking:    {StateDownloading, StateFailed},
	StateDownloading: {StateVerifying, StateFailed},
	StateVerifying:   {StateFlashing, StateFailed},
	StateFlashing:    {StateComplete, StateFailed},
	StateComplete:    {StateIdle},
	StateFailed:      {StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// UpdateError tags why an update cycle failed.
type UpdateError int

const (
	ErrorNone UpdateError = iota
	ErrorNoInternet
	ErrorDownloadFailed
	ErrorChecksumMismatch
	ErrorFlashFailed
	ErrorNoUpdatePartition
	ErrorInvalidVersion
	ErrorLowMemory
	ErrorAlreadyRunning
)

func (e UpdateError) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorNoInternet:
		return "no_internet"
	case ErrorDownloadFailed:
		return "download_failed"
	case ErrorChecksumMismatch:
		return "checksum_mismatch"
	case ErrorFlashFailed:
		return "flash_failed"
	case ErrorNoUpdatePartition:
		return "no_update_partition"
	case ErrorInvalidVersion:
		return "invalid_version"
	case ErrorLowMemory:
		return "low_memory"
	case ErrorAlreadyRunning:
		return "already_running"
	default:
		return fmt.Sprintf("error(%d)", int(e))
	}
}
