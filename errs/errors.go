// Package errs defines the error taxonomy shared by every bpstream package.
//
// Errors fall into five classes:
//   - ErrConfig: a parameter is out of range; raised when options are applied.
//   - ErrCapacity: a single write can never fit, even into an empty buffer.
//   - ErrFlushRequired: the write fits after the caller drains the buffer.
//   - ErrProtocolMisuse: the caller broke a call-ordering contract.
//   - ErrTypeMismatch: a stored type tag has no decoder or disagrees across ranks.
//
// Callers classify with errors.Is; the packages never retry internally.
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrConfig         = errors.New("invalid configuration")
	ErrCapacity       = errors.New("write exceeds maximum buffer size")
	ErrFlushRequired  = errors.New("buffer flush required")
	ErrProtocolMisuse = errors.New("protocol misuse")
	ErrTypeMismatch   = errors.New("type mismatch")

	ErrTruncated      = errors.New("truncated data")
	ErrInvalidTag     = errors.New("invalid record tag")
	ErrInvalidHeader  = errors.New("invalid stream header")
	ErrUnorderedSteps = errors.New("records are not in timestep order")
	ErrClosed         = errors.New("writer is closed")
)

// TypeMismatchError reports a type tag that has no decoder or disagrees with
// the element it belongs to.
type TypeMismatchError struct {
	Tag  uint8
	Name string
}

func (e *TypeMismatchError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: type tag 0x%02x for %q", ErrTypeMismatch, e.Tag, e.Name)
	}

	return fmt.Sprintf("%s: type tag 0x%02x", ErrTypeMismatch, e.Tag)
}

// Is makes errors.Is(err, ErrTypeMismatch) match.
func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}
