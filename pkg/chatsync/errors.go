package chatsync

import "github.com/pkg/errors"

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrSendingDisabled = errors.New("sending disabled, user identity could not be resolved")
	ErrNotConnected    = errors.New("not connected")
	ErrNoSession       = errors.New("no active session")
	ErrClosed          = errors.New("engine closed")
)
