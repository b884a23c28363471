// Package registry lets servers announce their listen address per service
// and lets clients find them.
package registry

import (
	"context"
	"errors"
)

// Prefix is the key namespace every instance is stored under:
// Prefix + service + "/" + addr.
const Prefix = "/hyper-rpc/"

var ErrNoInstances = errors.New("no instances available")

// Instance is one server hosting a service.
type Instance struct {
	Addr            string
	Weight          int    // Weight for load balancing
	ProtocolVersion uint32 // Handshake version the server speaks
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []Instance
}

func serviceKey(serviceName string) string {
	return Prefix + serviceName + "/"
}
