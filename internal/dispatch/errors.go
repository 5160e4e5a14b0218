package dispatch

import "errors"

// Failure reasons recorded on tasks.
var (
	ErrSendTimeout  = errors.New("timeout: send did not complete")
	ErrCancelled    = errors.New("cancelled by operator")
	ErrInvalidPhone = errors.New("invalid phone number")
	ErrInterrupted  = errors.New("interrupted: process stopped while sending")
	ErrSenderPanic  = errors.New("sender panicked")
)

// ErrNotRunning is returned by Stop before Start.
var ErrNotRunning = errors.New("dispatch loop not running")
