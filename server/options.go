package server

import (
	"hyper-rpc/codec"
	"hyper-rpc/message"
	"hyper-rpc/middleware"
	"hyper-rpc/registry"
	"hyper-rpc/transport"
)

// DefaultRegistryTTL is the lease, in seconds, of a discovery entry.
const DefaultRegistryTTL = 10

type options struct {
	codec           codec.Codec
	keepAlive       transport.KeepAlive
	protocolVersion uint32
	registry        registry.Registry
	advertiseAddr   string
	weight          int
	middlewares     []middleware.Middleware
}

func defaultOptions() options {
	return options{
		codec:           &codec.JSONCodec{},
		keepAlive:       transport.DefaultKeepAlive(),
		protocolVersion: message.ProtocolVersion,
		weight:          1,
	}
}

// Option configures a Server.
type Option func(*options)

func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithKeepAlive sets the heartbeat of every accepted connection. Pass a zero
// KeepAlive to disable it.
func WithKeepAlive(ka transport.KeepAlive) Option {
	return func(o *options) { o.keepAlive = ka }
}

// WithProtocolVersion overrides the version announced in the handshake.
func WithProtocolVersion(v uint32) Option {
	return func(o *options) { o.protocolVersion = v }
}

// WithRegistry announces every service under advertiseAddr while the server
// runs. advertiseAddr must be routable by clients, unlike a listen address
// such as ":8080". Empty means the listener address.
func WithRegistry(reg registry.Registry, advertiseAddr string) Option {
	return func(o *options) {
		o.registry = reg
		o.advertiseAddr = advertiseAddr
	}
}

// WithWeight sets the load balancing weight announced to the registry.
func WithWeight(w int) Option {
	return func(o *options) { o.weight = w }
}

// WithMiddleware wraps the execution of inbound rpc requests.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}
