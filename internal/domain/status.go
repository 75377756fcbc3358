package domain

import "fmt"

type ScanStatus string

const (
	ScanPending    ScanStatus = "pending"
	ScanProcessing ScanStatus = "processing"
	ScanCompleted  ScanStatus = "completed"
	ScanFailed     ScanStatus = "failed"
	ScanCancelled  ScanStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanCompleted || s == ScanFailed || s == ScanCancelled
}

// CanTransition encodes the scan lifecycle:
// pending -> processing -> completed | failed | cancelled.
// processing -> processing is a re-run of the same scan by a retried job.
func CanTransition(from, to ScanStatus) bool {
	switch from {
	case ScanPending:
		return to == ScanProcessing
	case ScanProcessing:
		return to == ScanProcessing || to.IsTerminal()
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with both states.
func CheckTransition(from, to ScanStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrScanTerminal, from, to)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
