package client

import (
	"hyper-rpc/codec"
	"hyper-rpc/message"
	"hyper-rpc/middleware"
	"hyper-rpc/transport"
)

type options struct {
	codec           codec.Codec
	keepAlive       transport.KeepAlive
	protocolVersion uint32
	middlewares     []middleware.Middleware
}

func defaultOptions() options {
	return options{
		codec:           &codec.JSONCodec{},
		keepAlive:       transport.DefaultKeepAlive(),
		protocolVersion: message.ProtocolVersion,
	}
}

// Option configures a Client.
type Option func(*options)

// WithCodec must match the codec of the server.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithKeepAlive sets the heartbeat of the connection. Pass a zero KeepAlive
// to disable it.
func WithKeepAlive(ka transport.KeepAlive) Option {
	return func(o *options) { o.keepAlive = ka }
}

// WithProtocolVersion sets the version the server must announce.
func WithProtocolVersion(v uint32) Option {
	return func(o *options) { o.protocolVersion = v }
}

// WithMiddleware wraps the execution of inbound rpc requests.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}
