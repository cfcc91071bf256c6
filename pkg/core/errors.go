package core

import "errors"

// Common errors.
var (
	ErrTokenNotFound = errors.New("token not found")
	ErrStoreClosed   = errors.New("store is closed")
	ErrQueueClosed   = errors.New("notification queue is closed")
)
