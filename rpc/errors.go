package rpc

import "errors"

// Setup errors: returned while services are registered, they keep the
// participant from starting.
var (
	ErrDuplicateEvent = errors.New("duplicate event name")
	ErrInvalidMethod  = errors.New("invalid rpc method")
	ErrServiceExists  = errors.New("service already registered")
)

// Caller errors, returned synchronously by the API that detected them.
var (
	ErrUnknownEvent        = errors.New("unknown event")
	ErrArity               = errors.New("argument count mismatch")
	ErrBadArgument         = errors.New("argument cannot be decoded")
	ErrRemoteNotRegistered = errors.New("remote event not registered")
	ErrNotServer           = errors.New("targeted requests can only be sent by the server")
)

// Receive path errors. They are logged; no caller is waiting on them.
var (
	ErrUnknownCorrelation  = errors.New("unknown correlation id")
	ErrUnauthorizedAck     = errors.New("acknowledgment from a connection that was not targeted")
	ErrDuplicateAck        = errors.New("duplicate acknowledgment")
	ErrMisdirectedResponse = errors.New("response did not come from the server")
)
