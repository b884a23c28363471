package middleware

import (
	"context"
	"time"

	"hyper-rpc/internal/util"
	"hyper-rpc/message"
)

// RetryMiddleware re-runs a request that timed out, up to maxRetries times
// with exponential backoff starting at baseDelay.
func RetryMiddleware(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp == nil || resp.Exception == nil {
					return resp
				}
				if resp.Exception.Type != message.ExceptionTimeout {
					return resp
				}
				util.LogWarning("Retry attempt %d for %s due to: %s", i+1, req.EventName, resp.Exception)
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
