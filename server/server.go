// Package server implements the listening participant: it accepts clients,
// hands each an id in the hello handshake, keeps the live connection set and
// runs the rpc protocol over it.
//
// Connection lifecycle:
//
//	Accept → id = nextID++ → OnConnecting (may Reject)
//	  → live set → receive loop → HelloRequest{version, id}
//	  → HelloResponse → OnConnected
//	  → disconnect → removed from live set → OnDisconnected
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"hyper-rpc/codec"
	"hyper-rpc/internal/util"
	"hyper-rpc/message"
	"hyper-rpc/middleware"
	"hyper-rpc/protocol"
	"hyper-rpc/registry"
	"hyper-rpc/rpc"
	"hyper-rpc/transport"
)

var (
	ErrServerStarted     = errors.New("server already started")
	ErrServerStopped     = errors.New("server stopped")
	ErrUnknownConnection = errors.New("unknown connection")
)

// ConnectingEvent is raised for every accepted socket before it joins the
// live set. Calling Reject closes it instead.
type ConnectingEvent struct {
	Conn     *transport.Connection
	rejected bool
}

func (e *ConnectingEvent) Reject() { e.rejected = true }
func (e *ConnectingEvent) Rejected() bool { return e.rejected }

// Server accepts clients and runs rpc calls to and from them.
type Server struct {
	opts     options
	packets  *transport.PacketRegistry
	protocol *rpc.Protocol

	listener net.Listener
	nextID   atomic.Uint32 // Last assigned connection id, 0 is never used
	started  atomic.Bool
	shutdown atomic.Bool
	stopped  chan struct{} // Closed when the accept loop exits
	inflight sync.WaitGroup

	mu        sync.RWMutex
	conns     map[uint32]*transport.Connection
	connected map[uint32]bool // Completed the hello handshake

	handlerMu      sync.Mutex
	onConnecting   []func(*ConnectingEvent)
	onConnected    []func(*transport.Connection)
	onDisconnected []func(*transport.Connection, error)
	onPacket       []func(*transport.Connection, *protocol.Packet)
}

// NewServer creates a stopped server.
func NewServer(opts ...Option) *Server {
	s := &Server{
		opts:      defaultOptions(),
		packets:   transport.NewPacketRegistry(),
		stopped:   make(chan struct{}),
		conns:     make(map[uint32]*transport.Connection),
		connected: make(map[uint32]bool),
	}
	for _, opt := range opts {
		opt(&s.opts)
	}
	s.protocol = rpc.NewProtocol(s, true)
	s.protocol.Use(s.track)
	s.protocol.Use(s.opts.middlewares...)
	return s
}

func (s *Server) Codec() codec.Codec { return s.opts.codec }
func (s *Server) Packets() *transport.PacketRegistry { return s.packets }
func (s *Server) Protocol() *rpc.Protocol { return s.protocol }

// AddService registers svc; its server methods become callable by clients
// and its client methods callable from here.
func (s *Server) AddService(svc rpc.Service) error {
	return s.protocol.AddService(svc)
}

// Use wraps the execution of inbound rpc requests.
func (s *Server) Use(mws ...middleware.Middleware) {
	s.protocol.Use(mws...)
}

func (s *Server) OnConnecting(fn func(*ConnectingEvent)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onConnecting = append(s.onConnecting, fn)
}

// OnConnected runs once a client completed the handshake.
func (s *Server) OnConnected(fn func(*transport.Connection)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onConnected = append(s.onConnected, fn)
}

func (s *Server) OnDisconnected(fn func(*transport.Connection, error)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onDisconnected = append(s.onDisconnected, fn)
}

// OnPacket runs for every valid packet from any client, before dispatch.
func (s *Server) OnPacket(fn func(*transport.Connection, *protocol.Packet)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onPacket = append(s.onPacket, fn)
}

func (s *Server) setup() error {
	if s.opts.keepAlive.Enabled {
		if err := s.opts.keepAlive.Validate(); err != nil {
			return err
		}
	}
	if err := transport.RegisterKeepAlive(s.packets); err != nil {
		return err
	}
	if err := transport.Handle(s.packets, func(conn *transport.Connection, _ *message.HelloResponse) error {
		s.markConnected(conn)
		return nil
	}); err != nil {
		return err
	}
	return s.protocol.Setup(s.packets)
}

// Start listens on address and accepts clients in the background. Packet
// registration errors are returned here and leave the server stopped.
func (s *Server) Start(network, address string) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}
	if err := s.setup(); err != nil {
		s.started.Store(false)
		return err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		s.started.Store(false)
		return err
	}
	s.listener = ln
	util.LogInfo("listening on %s", ln.Addr())

	s.announce()
	go s.acceptLoop()
	return nil
}

// Serve is Start followed by blocking until the server stops.
func (s *Server) Serve(network, address string) error {
	if err := s.Start(network, address); err != nil {
		return err
	}
	<-s.stopped
	return nil
}

// Addr is the listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) advertiseAddr() string {
	if s.opts.advertiseAddr != "" {
		return s.opts.advertiseAddr
	}
	return s.listener.Addr().String()
}

func (s *Server) announce() {
	if s.opts.registry == nil {
		return
	}
	inst := registry.Instance{
		Addr:            s.advertiseAddr(),
		Weight:          s.opts.weight,
		ProtocolVersion: s.opts.protocolVersion,
	}
	for _, svc := range s.protocol.Services().All() {
		name := rpc.ServiceName(svc)
		if err := s.opts.registry.Register(context.Background(), name, inst, DefaultRegistryTTL); err != nil {
			util.LogWarning("register %s at %s: %v", name, inst.Addr, err)
		}
	}
}

func (s *Server) withdraw() {
	if s.opts.registry == nil {
		return
	}
	addr := s.advertiseAddr()
	for _, svc := range s.protocol.Services().All() {
		name := rpc.ServiceName(svc)
		if err := s.opts.registry.Deregister(context.Background(), name, addr); err != nil {
			util.LogWarning("deregister %s at %s: %v", name, addr, err)
		}
	}
}

func (s *Server) acceptLoop() {
	defer close(s.stopped)

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			// Keep accepting; back off so a persistent error does not spin.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			util.LogWarning("accept: %v, retrying in %s", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.accept(conn)
	}
}

func (s *Server) accept(raw net.Conn) {
	id := s.nextID.Add(1)
	conn := transport.NewConnection(raw, id, transport.Config{
		Codec:     s.opts.codec,
		Packets:   s.packets,
		KeepAlive: s.opts.keepAlive,
	})

	ev := &ConnectingEvent{Conn: conn}
	s.handlerMu.Lock()
	gates := append([]func(*ConnectingEvent){}, s.onConnecting...)
	s.handlerMu.Unlock()
	for _, fn := range gates {
		fn(ev)
	}
	if ev.rejected {
		util.LogInfo("[conn %d] rejected %s", id, raw.RemoteAddr())
		conn.Close()
		return
	}

	conn.OnDisconnect(s.disconnected)
	conn.OnPacket(s.packetReceived)

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[id] = conn
	s.mu.Unlock()

	util.LogDebug("[conn %d] accepted %s", id, raw.RemoteAddr())
	conn.Start()
	hello := &message.HelloRequest{ProtocolVersion: s.opts.protocolVersion, ClientID: id}
	if err := conn.Send(hello); err != nil {
		util.LogWarning("[conn %d] hello: %v", id, err)
	}
}

func (s *Server) markConnected(conn *transport.Connection) {
	id := conn.ID()
	s.mu.Lock()
	if _, live := s.conns[id]; !live || s.connected[id] {
		s.mu.Unlock()
		return
	}
	s.connected[id] = true
	s.mu.Unlock()

	util.LogInfo("[conn %d] connected", id)
	s.handlerMu.Lock()
	handlers := append([]func(*transport.Connection){}, s.onConnected...)
	s.handlerMu.Unlock()
	for _, fn := range handlers {
		fn(conn)
	}
}

func (s *Server) disconnected(conn *transport.Connection, reason error) {
	id := conn.ID()
	s.mu.Lock()
	delete(s.conns, id)
	delete(s.connected, id)
	s.mu.Unlock()

	util.LogInfo("[conn %d] disconnected", id)
	s.handlerMu.Lock()
	handlers := append([]func(*transport.Connection, error){}, s.onDisconnected...)
	s.handlerMu.Unlock()
	for _, fn := range handlers {
		fn(conn, reason)
	}
}

func (s *Server) packetReceived(conn *transport.Connection, p *protocol.Packet) {
	s.handlerMu.Lock()
	handlers := append([]func(*transport.Connection, *protocol.Packet){}, s.onPacket...)
	s.handlerMu.Unlock()
	for _, fn := range handlers {
		fn(conn, p)
	}
}

// track counts requests in flight for Shutdown. Once the server is shutting
// down new requests are refused, so no Add races the Wait in Shutdown.
func (s *Server) track(next middleware.HandlerFunc) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
		s.mu.RLock()
		if s.shutdown.Load() {
			s.mu.RUnlock()
			return &message.RPCResponse{
				CorrelationID: req.CorrelationID,
				Exception:     &message.RemoteError{Type: message.ExceptionShutdown, Message: ErrServerStopped.Error()},
			}
		}
		s.inflight.Add(1)
		s.mu.RUnlock()
		defer s.inflight.Done()
		return next(ctx, req)
	}
}

// ConnectionIDs lists the live connections in ascending order, including
// clients still in the handshake.
func (s *Server) ConnectionIDs() []uint32 {
	s.mu.RLock()
	ids := make([]uint32, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Server) Connection(id uint32) (*transport.Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[id]
	return conn, ok
}

// IsConnected reports whether client id completed the handshake.
func (s *Server) IsConnected(id uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected[id]
}

// Send broadcasts v to every live connection.
func (s *Server) Send(v any) error {
	return s.SendTo(v, s.ConnectionIDs())
}

// Broadcast is Send.
func (s *Server) Broadcast(v any) error {
	return s.Send(v)
}

// SendTo encodes v once and writes it to each listed connection. Every id is
// attempted; the failures are joined into the returned error, one
// *transport.SendError per id.
func (s *Server) SendTo(v any, ids []uint32) error {
	p, err := protocol.NewPacket(s.opts.codec, v)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		conn, ok := s.Connection(id)
		if !ok {
			errs = append(errs, &transport.SendError{ID: id, Err: ErrUnknownConnection})
			continue
		}
		if err := conn.SendPacket(p); err != nil {
			errs = append(errs, &transport.SendError{ID: id, Err: err})
		}
	}
	return errors.Join(errs...)
}

// Stop closes the listener and every connection without waiting for
// requests in flight.
func (s *Server) Stop() {
	if !s.started.Load() {
		return
	}
	s.mu.Lock()
	if s.shutdown.Swap(true) {
		s.mu.Unlock()
		return
	}
	conns := make([]*transport.Connection, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	// Withdraw first so clients stop discovering this server.
	s.withdraw()
	s.listener.Close()
	for _, conn := range conns {
		conn.Close()
	}
	<-s.stopped
	util.LogInfo("server stopped")
}

// Shutdown stops the server and waits up to timeout for requests in flight
// to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: requests still running after %s", ErrServerStopped, timeout)
	}
}
