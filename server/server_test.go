package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"hyper-rpc/client"
	"hyper-rpc/message"
	"hyper-rpc/protocol"
	"hyper-rpc/registry"
	"hyper-rpc/rpc"
	"hyper-rpc/transport"
)

type greeter struct {
	rpc.ServiceBase
}

func (g *greeter) Methods() []rpc.Method {
	return []rpc.Method{{Name: "Hello", Kind: rpc.KindServer, Func: g.hello}}
}

func (g *greeter) hello(name string) string { return "hello " + name }

type notice struct {
	Text string
}

func start(t *testing.T, s *Server) {
	t.Helper()
	if err := s.Start("tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
}

func dial(t *testing.T, s *Server, opts ...client.Option) *client.Client {
	t.Helper()
	c := client.NewClient(opts...)
	if err := c.Connect(context.Background(), "tcp", s.Addr().String()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitReady(t *testing.T, c *client.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestServerAssignsIDs(t *testing.T) {
	s := NewServer()
	connected := make(chan uint32, 2)
	s.OnConnected(func(conn *transport.Connection) { connected <- conn.ID() })
	start(t, s)

	c1 := dial(t, s)
	waitReady(t, c1)
	c2 := dial(t, s)
	waitReady(t, c2)

	if c1.ID() != 1 || c2.ID() != 2 {
		t.Fatalf("expect ids 1 and 2, got %d and %d", c1.ID(), c2.ID())
	}

	for i := 0; i < 2; i++ {
		select {
		case <-connected:
		case <-time.After(2 * time.Second):
			t.Fatal("handshake not acknowledged")
		}
	}
	if !s.IsConnected(1) || !s.IsConnected(2) {
		t.Error("both clients should be fully connected")
	}
	if ids := s.ConnectionIDs(); len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("unexpected connection ids %v", ids)
	}
}

func TestServerRejectConnecting(t *testing.T) {
	s := NewServer()
	s.OnConnecting(func(ev *ConnectingEvent) { ev.Reject() })
	disconnects := make(chan struct{}, 1)
	s.OnDisconnected(func(*transport.Connection, error) { disconnects <- struct{}{} })
	start(t, s)

	c := dial(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("rejected client should be closed, got %v", err)
	}
	if len(s.ConnectionIDs()) != 0 {
		t.Error("rejected connection joined the live set")
	}
	select {
	case <-disconnects:
		t.Error("rejected connection must not raise OnDisconnected")
	default:
	}
}

func TestServerVersionMismatch(t *testing.T) {
	s := NewServer(WithProtocolVersion(2))
	gone := make(chan uint32, 1)
	s.OnDisconnected(func(conn *transport.Connection, _ error) { gone <- conn.ID() })
	start(t, s)

	c := dial(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); !errors.Is(err, client.ErrVersionMismatch) {
		t.Fatalf("expect ErrVersionMismatch, got %v", err)
	}

	select {
	case id := <-gone:
		if id != 1 {
			t.Errorf("expect connection 1 to leave, got %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server kept the mismatched client")
	}
	if s.IsConnected(1) {
		t.Error("mismatched client must never be fully connected")
	}
}

func TestServerStartErrors(t *testing.T) {
	s := NewServer()
	start(t, s)
	if err := s.Start("tcp", "127.0.0.1:0"); !errors.Is(err, ErrServerStarted) {
		t.Fatalf("expect ErrServerStarted, got %v", err)
	}

	bad := NewServer(WithKeepAlive(transport.KeepAlive{Enabled: true}))
	if err := bad.Start("tcp", "127.0.0.1:0"); !errors.Is(err, transport.ErrInvalidKeepAlive) {
		t.Fatalf("expect ErrInvalidKeepAlive, got %v", err)
	}
}

func TestServerBroadcastAndSendTo(t *testing.T) {
	s := NewServer()
	start(t, s)

	got := make(chan string, 4)
	var clients []*client.Client
	for i := 0; i < 2; i++ {
		c := client.NewClient()
		if err := transport.Handle(c.Packets(), func(_ *transport.Connection, n *notice) error {
			got <- n.Text
			return nil
		}); err != nil {
			t.Fatal(err)
		}
		if err := c.Connect(context.Background(), "tcp", s.Addr().String()); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { c.Close() })
		waitReady(t, c)
		clients = append(clients, c)
	}

	if err := s.Broadcast(notice{Text: "all"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		select {
		case text := <-got:
			if text != "all" {
				t.Errorf("expect all, got %q", text)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast not delivered")
		}
	}

	err := s.SendTo(notice{Text: "one"}, []uint32{clients[1].ID(), 42})
	if !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("expect ErrUnknownConnection for 42, got %v", err)
	}
	select {
	case text := <-got:
		if text != "one" {
			t.Errorf("expect one, got %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("known target not served")
	}
}

func TestServerOnPacket(t *testing.T) {
	s := NewServer()
	seen := make(chan int32, 8)
	s.OnPacket(func(_ *transport.Connection, p *protocol.Packet) { seen <- p.TypeID })
	start(t, s)

	c := dial(t, s)
	waitReady(t, c)
	select {
	case <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("hello response not observed")
	}
}

func TestServerRPC(t *testing.T) {
	s := NewServer()
	if err := s.AddService(&greeter{}); err != nil {
		t.Fatal(err)
	}
	start(t, s)

	c := client.NewClient()
	g := &greeter{}
	if err := c.AddService(g); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background(), "tcp", s.Addr().String()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	waitReady(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := rpc.Invoke[string](ctx, g, "Hello", "world")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello world" {
		t.Errorf("expect hello world, got %q", got)
	}
}

func TestServerRegistryLifecycle(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	s := NewServer(WithRegistry(reg, ""), WithWeight(3))
	if err := s.AddService(&greeter{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start("tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	instances, _ := reg.Discover(context.Background(), "greeter")
	if len(instances) != 1 {
		t.Fatalf("expect one announced instance, got %v", instances)
	}
	if inst := instances[0]; inst.Addr != s.Addr().String() || inst.Weight != 3 || inst.ProtocolVersion != 1 {
		t.Errorf("unexpected instance %+v", inst)
	}

	if err := s.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	instances, _ = reg.Discover(context.Background(), "greeter")
	if len(instances) != 0 {
		t.Errorf("instance still announced after shutdown: %v", instances)
	}
}

func TestServerStopDisconnectsClients(t *testing.T) {
	s := NewServer()
	start(t, s)

	c := dial(t, s)
	waitReady(t, c)
	lost := make(chan error, 1)
	c.OnDisconnected(func(err error) { lost <- err })

	s.Stop()
	s.Stop()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("client not disconnected by Stop")
	}
	if len(s.ConnectionIDs()) != 0 {
		t.Errorf("live set not emptied: %v", s.ConnectionIDs())
	}
	if err := c.Connect(context.Background(), "tcp", s.Addr().String()); err == nil {
		t.Error("stopped server still accepts")
	}
}

func TestServerShutdownTracksRequests(t *testing.T) {
	s := NewServer()
	start(t, s)

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := s.track(func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
		close(entered)
		<-release
		return &message.RPCResponse{CorrelationID: req.CorrelationID}
	})
	finished := make(chan struct{})
	go func() {
		slow(context.Background(), &message.RPCRequest{EventName: "slow"})
		close(finished)
	}()
	<-entered

	if err := s.Shutdown(50 * time.Millisecond); !errors.Is(err, ErrServerStopped) {
		t.Fatalf("expect ErrServerStopped while a request runs, got %v", err)
	}

	ran := false
	late := s.track(func(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
		ran = true
		return &message.RPCResponse{}
	})
	resp := late(context.Background(), &message.RPCRequest{EventName: "late"})
	if ran || resp.Exception == nil || resp.Exception.Type != message.ExceptionShutdown {
		t.Fatalf("expect a refused request after shutdown, got %+v", resp)
	}

	close(release)
	<-finished
	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("expect a clean shutdown once requests finished, got %v", err)
	}
}
