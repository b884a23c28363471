package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"hyper-rpc/message"
)

// RateLimitMiddleware rejects requests beyond r per second with a token bucket
// of size burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
			if !limiter.Allow() {
				return failure(req, message.ExceptionRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
