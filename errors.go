package xmsg

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateHandler       = errors.New("xmsg: handler already registered for type")
	ErrNilHandler             = errors.New("xmsg: nil handler")
	ErrInvalidHandlerType     = errors.New("xmsg: invalid handler type")
	ErrMailboxFull            = errors.New("xmsg: mailbox full")
	ErrMailboxClosed          = errors.New("xmsg: mailbox closed")
	ErrStopTimeout            = errors.New("xmsg: graceful stop timed out")
	ErrInvalidAddress         = errors.New("xmsg: invalid address")
	ErrDuplicateAddress       = errors.New("xmsg: address already registered")
	ErrNoReceivers            = errors.New("xmsg: envelope has no receivers")
	ErrNilEndpoint            = errors.New("xmsg: nil endpoint")
	ErrNilMessage             = errors.New("xmsg: nil message")
	ErrUnknownReceiver        = errors.New("xmsg: unknown receiver")
	ErrInvalidMessageCategory = errors.New("xmsg: invalid message category")
	ErrNotInitialized         = errors.New("xmsg: switchboard not initialized")
	ErrThrottlerFull          = errors.New("xmsg: throttler full")
	ErrThrottlerClosed        = errors.New("xmsg: throttler closed")
	ErrInvalidConfig          = errors.New("xmsg: invalid config")
	ErrNoStoreConfigured      = errors.New("xmsg: no store configured")
	ErrHandlerPanic           = errors.New("xmsg: handler panic")
	ErrSystemStarted          = errors.New("xmsg: system already started")

	ErrObserverPoolShutdownTimeout = errors.New("xmsg: observer pool shutdown timeout")
)

// UnknownReceiverError names the address a switchboard could not resolve.
type UnknownReceiverError struct {
	Address Address
}

func (e UnknownReceiverError) Error() string {
	return fmt.Sprintf("xmsg: unknown receiver %q", string(e.Address))
}

func (e UnknownReceiverError) Is(target error) bool { return target == ErrUnknownReceiver }

type ErrUnknownStore struct{ name string }

func (e ErrUnknownStore) Error() string { return fmt.Sprintf("xmsg: unknown store: %s", e.name) }
