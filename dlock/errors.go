package dlock

import "errors"

var (
	ErrAcquireTimeout    = errors.New("lock was not acquired within the wait timeout")
	ErrAcquireInProgress = errors.New("acquire is already in progress")
	ErrNotHeld           = errors.New("lock is not held")
	ErrFinished          = errors.New("lock attempt was already released or lost")
)
