package exception

import "github.com/yanun0323/errors"

var (
	ErrConnection     = errors.New("store: session establishment failed")
	ErrNotConnected   = errors.New("store: not connected")
	ErrWatchClosed    = errors.New("store: watch stream closed")
	ErrBadCredentials = errors.New("store: authentication rejected")
)
