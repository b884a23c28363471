// Package message defines the built-in payloads exchanged between participants.
//
// Every payload is serialized by the codec layer and wrapped in a protocol
// packet tagged with its type id. The built-in payloads carry explicit ids so
// that both participants agree on them regardless of build or package path.
package message

import (
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is announced by the server in HelloRequest. A client
// built against a different version disconnects.
const ProtocolVersion uint32 = 1

// Wire type ids of the built-in payloads. Application payloads either
// implement codec.Typed with ids outside this range or use hashed ids.
const (
	TypeHelloRequest      int32 = 1
	TypeHelloResponse     int32 = 2
	TypeKeepAliveRequest  int32 = 3
	TypeKeepAliveResponse int32 = 4
	TypeRPCRequest        int32 = 5
	TypeRPCResponse       int32 = 6
)

// HelloRequest is sent server → client right after accept.
type HelloRequest struct {
	ProtocolVersion uint32 `json:"protocolVersion"`
	ClientID        uint32 `json:"clientId"` // Id assigned to the accepted connection
}

func (HelloRequest) PacketType() int32 { return TypeHelloRequest }

// HelloResponse is sent client → server once the version is accepted.
type HelloResponse struct{}

func (HelloResponse) PacketType() int32 { return TypeHelloResponse }

// KeepAliveRequest is the heartbeat probe. Either side may send it.
type KeepAliveRequest struct{}

func (KeepAliveRequest) PacketType() int32 { return TypeKeepAliveRequest }

// KeepAliveResponse answers a KeepAliveRequest on the same connection.
type KeepAliveResponse struct{}

func (KeepAliveResponse) PacketType() int32 { return TypeKeepAliveResponse }

// RPCRequest carries one remote method invocation.
//
//   - CorrelationID ties the response back to the pending call.
//   - EventName identifies the method, see rpc.EventName.
//   - Args holds each argument serialized separately by the participant codec.
type RPCRequest struct {
	CorrelationID uuid.UUID `json:"correlationId"`
	EventName     string    `json:"eventName"`
	Args          [][]byte  `json:"args"`
}

func (RPCRequest) PacketType() int32 { return TypeRPCRequest }

// RPCResponse answers an RPCRequest. ReturnValue is empty for methods with
// no result; Exception is set when the callee failed.
type RPCResponse struct {
	CorrelationID uuid.UUID    `json:"correlationId"`
	ReturnValue   []byte       `json:"returnValue,omitempty"`
	Exception     *RemoteError `json:"exception,omitempty"`
}

func (RPCResponse) PacketType() int32 { return TypeRPCResponse }

// Exception types set by the framework itself. Errors returned by
// application methods carry their Go type name instead.
const (
	ExceptionUnknownEvent = "unknown_event"
	ExceptionArity        = "arity"
	ExceptionBadArgument  = "bad_argument"
	ExceptionPanic        = "panic"
	ExceptionTimeout      = "timeout"
	ExceptionRateLimited  = "rate_limited"
	ExceptionShutdown     = "shutdown"
)

// RemoteError is an error raised by a remotely executed method.
type RemoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return "remote: " + e.Message
	}
	return fmt.Sprintf("remote %s: %s", e.Type, e.Message)
}

// Is matches another *RemoteError of the same Type, so callers can write
// errors.Is(err, &message.RemoteError{Type: message.ExceptionTimeout}).
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return t.Type == e.Type && (t.Message == "" || t.Message == e.Message)
}

// NewRemoteError wraps err for transmission. The dynamic type name of err is
// kept so the caller can tell error kinds apart.
func NewRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RemoteError); ok {
		return re
	}
	return &RemoteError{Type: fmt.Sprintf("%T", err), Message: err.Error()}
}
