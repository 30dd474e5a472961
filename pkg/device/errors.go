package device

import (
	stderrors "errors"
	"fmt"
)

// NotAvailableError reports that a device is unreachable and recovery could
// not restore it. It is fatal to the current allocation: the holder must free
// or replace the device.
type NotAvailableError struct {
	Serial string
	Cause  error
}

func (e *NotAvailableError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("device %s not available", e.Serial)
	}
	return fmt.Sprintf("device %s not available: %v", e.Serial, e.Cause)
}

func (e *NotAvailableError) Unwrap() error { return e.Cause }

// UnresponsiveError is the specialization raised when recovery ran but the
// device never became responsive again within the attempt cap. The last seen
// state decides whether a bugreport capture is still worth attempting.
type UnresponsiveError struct {
	Serial    string
	Attempts  int
	LastState State
	Cause     error
}

func (e *UnresponsiveError) Error() string {
	return fmt.Sprintf("device %s unresponsive after %d attempts: %v", e.Serial, e.Attempts, e.Cause)
}

func (e *UnresponsiveError) Unwrap() error { return e.Cause }

// IsNotAvailable reports whether err signals an unrecoverable device, covering
// both NotAvailableError and its UnresponsiveError specialization anywhere in
// the wrap chain.
func IsNotAvailable(err error) bool {
	if err == nil {
		return false
	}
	var na *NotAvailableError
	if stderrors.As(err, &na) {
		return true
	}
	var un *UnresponsiveError
	return stderrors.As(err, &un)
}

// IsUnresponsive reports whether err is specifically the recovery-exhausted
// case.
func IsUnresponsive(err error) bool {
	var un *UnresponsiveError
	return stderrors.As(err, &un)
}
