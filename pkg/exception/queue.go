package exception

import "errors"

var (
	ErrQueueFull   = errors.New("queue: write queue full")
	ErrQueueClosed = errors.New("queue: write queue closed")
)
