package middleware

import (
	"context"
	"time"

	"hyper-rpc/internal/util"
	"hyper-rpc/message"
)

func LoggingMiddleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			util.LogInfo("Event: %s, Duration: %s", req.EventName, duration)
			if resp != nil && resp.Exception != nil {
				util.LogWarning("Event: %s, Exception: %s", req.EventName, resp.Exception)
			}
			return resp
		}
	}
}
