package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"hyper-rpc/loadbalance"
	"hyper-rpc/message"
	"hyper-rpc/protocol"
	"hyper-rpc/registry"
	"hyper-rpc/rpc"
	"hyper-rpc/server"
	"hyper-rpc/transport"
)

type Arith struct {
	rpc.ServiceBase
}

func (a *Arith) Methods() []rpc.Method {
	return []rpc.Method{{Name: "Add", Kind: rpc.KindServer, Func: a.add}}
}

func (a *Arith) add(x, y int) int { return x + y }

func startServer(t *testing.T, opts ...server.Option) *server.Server {
	t.Helper()
	svr := server.NewServer(opts...)
	if err := svr.AddService(&Arith{}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Start("tcp", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svr.Stop)
	return svr
}

func ready(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestClientCall(t *testing.T) {
	svr := startServer(t)

	c := NewClient()
	arith := &Arith{}
	if err := c.AddService(arith); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background(), "tcp", svr.Addr().String()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ready(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sum, err := rpc.Invoke[int](ctx, arith, "Add", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 3 {
		t.Fatalf("expect 3, got %v", sum)
	}

	sum, err = rpc.Invoke[int](ctx, arith, "Add", 10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if sum != 30 {
		t.Fatalf("expect 30, got %v", sum)
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	svr := startServer(t)

	c := NewClient()
	arith := &Arith{}
	c.AddService(arith)
	if err := c.Connect(context.Background(), "tcp", svr.Addr().String()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ready(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		i := i
		go func() {
			sum, err := rpc.Invoke[int](ctx, arith, "Add", i, i)
			if err == nil && sum != 2*i {
				err = errors.New("wrong sum")
			}
			errs <- err
		}()
	}
	for i := 0; i < 50; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if n := c.Protocol().Pending(); n != 0 {
		t.Errorf("expect no pending calls, got %d", n)
	}
}

func TestClientAlreadyConnected(t *testing.T) {
	svr := startServer(t)
	c := NewClient()
	if err := c.Connect(context.Background(), "tcp", svr.Addr().String()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Connect(context.Background(), "tcp", svr.Addr().String()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expect ErrAlreadyConnected, got %v", err)
	}
}

func TestClientReconnect(t *testing.T) {
	svr := startServer(t)
	c := NewClient()
	lost := make(chan error, 1)
	c.OnDisconnected(func(err error) { lost <- err })

	if err := c.Connect(context.Background(), "tcp", svr.Addr().String()); err != nil {
		t.Fatal(err)
	}
	ready(t, c)
	first := c.ID()

	c.Close()
	select {
	case err := <-lost:
		if err != nil {
			t.Errorf("explicit close should report nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not raised")
	}

	if err := c.Connect(context.Background(), "tcp", svr.Addr().String()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ready(t, c)
	if c.ID() <= first {
		t.Errorf("expect a fresh id above %d, got %d", first, c.ID())
	}
}

func TestClientNotConnected(t *testing.T) {
	c := NewClient()
	if err := c.Send(message.KeepAliveRequest{}); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expect ErrNotConnected, got %v", err)
	}
	if c.Ready() != nil || c.ID() != 0 || c.Connection() != nil {
		t.Error("unconnected client should expose no session")
	}
	if len(c.ConnectionIDs()) != 0 {
		t.Error("a client has no connection ids")
	}

	// Grab a free port, then close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	if err := c.Connect(context.Background(), "tcp", addr); err == nil {
		t.Fatal("expect dial error")
	}
}

func TestClientVersionMismatch(t *testing.T) {
	svr := startServer(t)
	c := NewClient(WithProtocolVersion(7))
	if err := c.Connect(context.Background(), "tcp", svr.Addr().String()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expect ErrVersionMismatch, got %v", err)
	}
	if c.ID() != 0 {
		t.Errorf("mismatched client must not adopt an id, got %d", c.ID())
	}
}

func TestClientOnPacket(t *testing.T) {
	svr := startServer(t)
	c := NewClient()
	types := make(chan int32, 4)
	c.OnPacket(func(p *protocol.Packet) { types <- p.TypeID })
	if err := c.Connect(context.Background(), "tcp", svr.Addr().String()); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	select {
	case id := <-types:
		if id != message.TypeHelloRequest {
			t.Errorf("expect the hello first, got type %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no packet observed")
	}
}

func TestConnectService(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := startServer(t, server.WithRegistry(reg, ""))

	// A server speaking another protocol version is never picked.
	reg.Register(context.Background(), "Arith", registry.Instance{Addr: "127.0.0.1:1", ProtocolVersion: 9}, 10)

	c := NewClient()
	bal := &loadbalance.RoundRobinBalancer{}
	for i := 0; i < 2; i++ {
		if err := c.ConnectService(context.Background(), reg, bal, "Arith"); err != nil {
			t.Fatal(err)
		}
		ready(t, c)
		if got := c.Connection().RemoteAddr().String(); got != svr.Addr().String() {
			t.Fatalf("connected to %s, expect %s", got, svr.Addr())
		}
		c.Close()
		<-c.Connection().Done()
	}

	if err := c.ConnectService(context.Background(), reg, bal, "Missing"); !errors.Is(err, registry.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}
