package domain

import "errors"

var (
	ErrNotFound          = errString("not found")
	ErrScanTerminal      = errString("scan already finished")
	ErrInvalidTransition = errString("invalid scan transition")
	ErrDuplicateJob      = errString("scan already queued")
	ErrSessionExpired    = errString("session expired")
	ErrInvalidPayload    = errString("invalid job payload")
)

type errString string

func (e errString) Error() string { return string(e) }

// PermanentError marks a job failure that retrying cannot fix.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so job runners fail the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
