// Package client implements the dialing participant. A client holds one
// connection to a server, adopts the id the server assigns in the hello
// handshake and runs the rpc protocol over it.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"hyper-rpc/codec"
	"hyper-rpc/internal/util"
	"hyper-rpc/loadbalance"
	"hyper-rpc/message"
	"hyper-rpc/middleware"
	"hyper-rpc/protocol"
	"hyper-rpc/registry"
	"hyper-rpc/rpc"
	"hyper-rpc/transport"
)

var (
	ErrAlreadyConnected = errors.New("client already connected")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
)

// session is one connection attempt and its handshake.
type session struct {
	conn  *transport.Connection
	ready chan struct{}
	once  sync.Once
}

// Client dials a server and runs rpc calls to and from it.
type Client struct {
	opts     options
	packets  *transport.PacketRegistry
	protocol *rpc.Protocol

	setupOnce sync.Once
	setupErr  error

	mu   sync.Mutex
	sess *session

	handlerMu      sync.Mutex
	onDisconnected []func(error)
	onPacket       []func(*protocol.Packet)
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		opts:    defaultOptions(),
		packets: transport.NewPacketRegistry(),
	}
	for _, opt := range opts {
		opt(&c.opts)
	}
	c.protocol = rpc.NewProtocol(c, false)
	c.protocol.Use(c.opts.middlewares...)
	return c
}

func (c *Client) Codec() codec.Codec { return c.opts.codec }
func (c *Client) Packets() *transport.PacketRegistry { return c.packets }
func (c *Client) Protocol() *rpc.Protocol { return c.protocol }

// AddService registers svc; its client methods become callable by the
// server and its server methods callable from here.
func (c *Client) AddService(svc rpc.Service) error {
	return c.protocol.AddService(svc)
}

// Use wraps the execution of inbound rpc requests.
func (c *Client) Use(mws ...middleware.Middleware) {
	c.protocol.Use(mws...)
}

// OnDisconnected runs once per connection when it closes, with the reason
// or nil after Close.
func (c *Client) OnDisconnected(fn func(error)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDisconnected = append(c.onDisconnected, fn)
}

// OnPacket runs for every valid packet from the server, before dispatch.
func (c *Client) OnPacket(fn func(*protocol.Packet)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onPacket = append(c.onPacket, fn)
}

func (c *Client) setup() error {
	if c.opts.keepAlive.Enabled {
		if err := c.opts.keepAlive.Validate(); err != nil {
			return err
		}
	}
	if err := transport.RegisterKeepAlive(c.packets); err != nil {
		return err
	}
	if err := transport.Handle(c.packets, c.handleHello); err != nil {
		return err
	}
	return c.protocol.Setup(c.packets)
}

// Connect dials address and starts the receive loop. It returns once the
// socket is open; Ready reports when the handshake completed. A client that
// lost its connection may Connect again.
func (c *Client) Connect(ctx context.Context, network, address string) error {
	c.setupOnce.Do(func() { c.setupErr = c.setup() })
	if c.setupErr != nil {
		return c.setupErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil && c.sess.conn.State() == transport.StateOpen {
		return ErrAlreadyConnected
	}

	conn, err := transport.Dial(ctx, network, address, transport.Config{
		Codec:     c.opts.codec,
		Packets:   c.packets,
		KeepAlive: c.opts.keepAlive,
	})
	if err != nil {
		return err
	}
	c.sess = &session{conn: conn, ready: make(chan struct{})}
	conn.OnDisconnect(c.disconnected)
	conn.OnPacket(c.packetReceived)
	conn.Start()
	util.LogDebug("dialed %s", conn.RemoteAddr())
	return nil
}

// ConnectService discovers the servers hosting serviceName, keeps those
// speaking this client's protocol version and connects to the one bal picks.
func (c *Client) ConnectService(ctx context.Context, reg registry.Registry, bal loadbalance.Balancer, serviceName string) error {
	instances, err := reg.Discover(ctx, serviceName)
	if err != nil {
		return err
	}
	compatible := instances[:0:0]
	for _, inst := range instances {
		if inst.ProtocolVersion == 0 || inst.ProtocolVersion == c.opts.protocolVersion {
			compatible = append(compatible, inst)
		}
	}
	if len(compatible) == 0 {
		return fmt.Errorf("%w: %s", registry.ErrNoInstances, serviceName)
	}

	inst, err := bal.Pick(compatible)
	if err != nil {
		return err
	}
	util.LogDebug("%s picked %s for %s", bal.Name(), inst.Addr, serviceName)
	return c.Connect(ctx, "tcp", inst.Addr)
}

func (c *Client) session() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) handleHello(conn *transport.Connection, hello *message.HelloRequest) error {
	sess := c.session()
	if sess == nil || sess.conn != conn {
		return nil
	}
	if hello.ProtocolVersion != c.opts.protocolVersion {
		err := fmt.Errorf("%w: server speaks %d, client %d", ErrVersionMismatch, hello.ProtocolVersion, c.opts.protocolVersion)
		util.LogError("%v", err)
		conn.CloseWithError(err)
		return nil
	}

	conn.SetID(hello.ClientID)
	if err := conn.Send(&message.HelloResponse{}); err != nil {
		return err
	}
	sess.once.Do(func() { close(sess.ready) })
	util.LogInfo("connected as client %d", hello.ClientID)
	return nil
}

func (c *Client) disconnected(_ *transport.Connection, reason error) {
	c.handlerMu.Lock()
	handlers := append([]func(error){}, c.onDisconnected...)
	c.handlerMu.Unlock()
	for _, fn := range handlers {
		fn(reason)
	}
}

func (c *Client) packetReceived(_ *transport.Connection, p *protocol.Packet) {
	c.handlerMu.Lock()
	handlers := append([]func(*protocol.Packet){}, c.onPacket...)
	c.handlerMu.Unlock()
	for _, fn := range handlers {
		fn(p)
	}
}

// Ready is closed once the server accepted the handshake on the current
// connection. It is nil before the first Connect.
func (c *Client) Ready() <-chan struct{} {
	sess := c.session()
	if sess == nil {
		return nil
	}
	return sess.ready
}

// WaitReady blocks until the handshake completed, the connection closed or
// ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	sess := c.session()
	if sess == nil {
		return transport.ErrNotConnected
	}
	select {
	case <-sess.ready:
		return nil
	case <-sess.conn.Done():
		if err := sess.conn.Err(); err != nil {
			return err
		}
		return transport.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID is the id the server assigned, 0 before the handshake.
func (c *Client) ID() uint32 {
	if sess := c.session(); sess != nil {
		return sess.conn.ID()
	}
	return 0
}

// Connection returns the current connection, nil before Connect.
func (c *Client) Connection() *transport.Connection {
	if sess := c.session(); sess != nil {
		return sess.conn
	}
	return nil
}

// Send writes v to the server.
func (c *Client) Send(v any) error {
	sess := c.session()
	if sess == nil {
		return transport.ErrNotConnected
	}
	return sess.conn.Send(v)
}

// SendTo is Send: a client only talks to its server.
func (c *Client) SendTo(v any, _ []uint32) error {
	return c.Send(v)
}

// ConnectionIDs is empty on a client.
func (c *Client) ConnectionIDs() []uint32 {
	return nil
}

// Close disconnects from the server. Pending calls stay pending.
func (c *Client) Close() error {
	if sess := c.session(); sess != nil {
		return sess.conn.Close()
	}
	return nil
}
