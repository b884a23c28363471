// Package middleware wraps the local execution of inbound rpc requests.
//
// Middlewares compose like an onion: Chain(A, B, C)(h) runs
// A.before → B.before → C.before → h → C.after → B.after → A.after.
package middleware

import (
	"context"

	"hyper-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one, the first being outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func failure(req *message.RPCRequest, typ, msg string) *message.RPCResponse {
	return &message.RPCResponse{
		CorrelationID: req.CorrelationID,
		Exception:     &message.RemoteError{Type: typ, Message: msg},
	}
}
