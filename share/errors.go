// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package share

import (
	"errors"
	"fmt"
)

// Record state errors. Both indicate a broken invariant inside the engine.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrIllegalTransition = errors.New("illegal record state transition")
)

// Caller facing errors.
var (
	ErrInvalidAcknowledgement = errors.New("invalid acknowledgement request")
	ErrOffsetOutOfRange       = errors.New("offsets are not tracked")
	ErrNotAcquiredByMember    = errors.New("offset is not acquired by member")
	ErrInvalidAckBatch        = errors.New("malformed acknowledgement batch")
	ErrInvalidMember          = errors.New("invalid member id")
	ErrBatchExploded          = errors.New("batch is tracked per offset")
	ErrRateLimited            = errors.New("member acquire rate exceeded")
	ErrManagerClosed          = errors.New("share partition manager is closed")
)

// AckError describes the first acknowledgement batch of a call that failed validation.
// It matches ErrInvalidAcknowledgement and its Reason with errors.Is.
type AckError struct {
	Index      int   // Position of the batch in the request
	BaseOffset int64 // Batch range as requested
	LastOffset int64
	Offset     int64 // Offending offset, -1 when the whole batch is at fault
	Reason     error
}

func (e *AckError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("%s: batch %d [%d, %d]: %s",
			ErrInvalidAcknowledgement, e.Index, e.BaseOffset, e.LastOffset, e.Reason)
	}
	return fmt.Sprintf("%s: batch %d [%d, %d]: offset %d: %s",
		ErrInvalidAcknowledgement, e.Index, e.BaseOffset, e.LastOffset, e.Offset, e.Reason)
}

func (e *AckError) Unwrap() []error {
	return []error{ErrInvalidAcknowledgement, e.Reason}
}
