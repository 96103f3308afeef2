package exception

import "github.com/yanun0323/errors"

var (
	ErrPoolExhausted = errors.New("pool: all connections in use")
	ErrPoolClosed    = errors.New("pool: closed")
)
