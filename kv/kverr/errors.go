// Package kverr holds the error taxonomy shared by the storage, visibility and commit layers.
//
// Callers see three kinds of failure: retryable errors (a region or the commit status authority could not be
// reached, nothing was cached and the operation may be repeated), protocol errors (the caller violated the
// transaction protocol, retrying will not help) and cancellation.
package kverr

import (
	"context"
	"fmt"

	"github.com/pingcap/errors"
)

// ErrRetryable suggests that the client may retry the operation, e.g. a remote partition was unreachable.
type ErrRetryable string

func (e ErrRetryable) Error() string {
	return fmt.Sprintf("retryable: %s", string(e))
}

// ErrProtocol is a fatal internal error: the calling layer issued operations in an order the transaction protocol
// does not allow. It is never retried.
type ErrProtocol string

func (e ErrProtocol) Error() string {
	return fmt.Sprintf("protocol violation: %s", string(e))
}

// ErrRegionUnavailable is returned when a region cannot be reached.
type ErrRegionUnavailable struct {
	RegionID uint64
}

func (e *ErrRegionUnavailable) Error() string {
	return fmt.Sprintf("region %d is unavailable", e.RegionID)
}

// ErrCancelled is returned when a unit of work observes that it has been cancelled.
var ErrCancelled = errors.New("operation cancelled")

// Retryable wraps err as a retryable error. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return err
	}
	return errors.WithStack(ErrRetryable(err.Error()))
}

// Protocolf builds a protocol error.
func Protocolf(format string, args ...interface{}) error {
	return errors.WithStack(ErrProtocol(fmt.Sprintf(format, args...)))
}

// IsRetryable reports whether err, or the error it wraps, may succeed when retried.
func IsRetryable(err error) bool {
	switch errors.Cause(err).(type) {
	case ErrRetryable, *ErrRegionUnavailable:
		return true
	}
	return false
}

// IsProtocol reports whether err is a protocol violation.
func IsProtocol(err error) bool {
	_, ok := errors.Cause(err).(ErrProtocol)
	return ok
}

// CheckContext converts a done context into ErrCancelled. It is called between row operations, which are the
// points where a unit of work may be suspended.
func CheckContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Annotate(ErrCancelled, err.Error())
	}
	return nil
}

// IsCancelled reports whether err came from a cancelled unit of work.
func IsCancelled(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrCancelled || cause == context.Canceled || cause == context.DeadlineExceeded
}
