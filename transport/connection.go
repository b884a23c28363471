// Package transport implements the per-socket connection shared by both
// participants, the keep-alive state machine and the packet registry that
// inbound packets are dispatched through.
//
// A Connection owns its socket and exactly one receive loop:
//
//	Send(A) ──┐
//	Send(B) ──┼──→ writeMu ──→ socket ──→ peer
//	Send(C) ──┘
//
//	receiveLoop: heartbeat step → wait for data → ReadPacket → OnPacket → registry.Dispatch
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"hyper-rpc/codec"
	"hyper-rpc/internal/util"
	"hyper-rpc/protocol"
)

// PollInterval bounds how long the receive loop blocks waiting for data
// before it re-checks keep-alive and shutdown.
const PollInterval = 100 * time.Millisecond

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("connection not open")
)

// SendError reports a failed write to one connection of a multi-target send.
type SendError struct {
	ID  uint32
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("connection %d: %v", e.ID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config is shared by every connection of a participant.
type Config struct {
	Codec     codec.Codec     // Defaults to JSON
	Packets   *PacketRegistry // Defaults to an empty registry
	KeepAlive KeepAlive
}

// Connection is one TCP session and its receive loop.
type Connection struct {
	conn       net.Conn
	reader     *bufio.Reader
	codec      codec.Codec
	packets    *PacketRegistry
	keepAlive  KeepAlive
	serverSide bool // Held by the server for an accepted client

	id    atomic.Uint32
	state atomic.Int32
	hb    *heartbeat

	writeMu sync.Mutex // One frame at a time, otherwise frames interleave

	handlerMu    sync.Mutex
	onPacket     []func(*Connection, *protocol.Packet)
	onDisconnect []func(*Connection, error)

	receiving atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func newConnection(cfg Config, serverSide bool) *Connection {
	if cfg.Codec == nil {
		cfg.Codec = &codec.JSONCodec{}
	}
	if cfg.Packets == nil {
		cfg.Packets = NewPacketRegistry()
	}
	return &Connection{
		codec:      cfg.Codec,
		packets:    cfg.Packets,
		keepAlive:  cfg.KeepAlive,
		serverSide: serverSide,
		done:       make(chan struct{}),
	}
}

// NewConnection wraps an accepted socket. The connection starts Open with
// the given id; call Start to run its receive loop.
func NewConnection(conn net.Conn, id uint32, cfg Config) *Connection {
	c := newConnection(cfg, true)
	c.id.Store(id)
	c.open(conn)
	return c
}

// Dial connects to address and returns an Open connection whose id is 0
// until a handshake assigns one. The receive loop is not started.
func Dial(ctx context.Context, network, address string, cfg Config) (*Connection, error) {
	c := newConnection(cfg, false)
	c.state.Store(int32(StateConnecting))

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		c.state.Store(int32(StateClosed))
		close(c.done)
		return nil, err
	}
	c.open(conn)
	return c, nil
}

func (c *Connection) open(conn net.Conn) {
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.hb = newHeartbeat(c.keepAlive, time.Now())
	c.state.Store(int32(StateOpen))
	util.Stats.AddConn()
}

func (c *Connection) ID() uint32 { return c.id.Load() }
func (c *Connection) SetID(id uint32) { c.id.Store(id) }
func (c *Connection) ServerSide() bool { return c.serverSide }
func (c *Connection) State() State { return State(c.state.Load()) }
func (c *Connection) Codec() codec.Codec { return c.codec }
func (c *Connection) Packets() *PacketRegistry {
	return c.packets
}

func (c *Connection) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// LastResponse is the time the last valid packet arrived, or the time the
// connection opened.
func (c *Connection) LastResponse() time.Time {
	return c.hb.last()
}

// Done is closed once the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed: nil for an explicit Close.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// OnPacket registers fn to run for every valid inbound packet, before the
// packet is dispatched.
func (c *Connection) OnPacket(fn func(*Connection, *protocol.Packet)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onPacket = append(c.onPacket, fn)
}

// OnDisconnect registers fn to run once when the connection closes.
func (c *Connection) OnDisconnect(fn func(*Connection, error)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Start launches the receive loop. Calls after the first are no-ops.
func (c *Connection) Start() {
	if c.State() != StateOpen || !c.receiving.CompareAndSwap(false, true) {
		return
	}
	go c.receiveLoop()
}

// Send serializes v with the connection codec and writes it as one packet.
func (c *Connection) Send(v any) error {
	p, err := protocol.NewPacket(c.codec, v)
	if err != nil {
		return err
	}
	return c.SendPacket(p)
}

// SendPacket writes p. A failed write closes the connection.
func (c *Connection) SendPacket(p *protocol.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != StateOpen {
		return ErrNotConnected
	}
	if err := protocol.WritePacket(c.conn, p); err != nil {
		if errors.Is(err, protocol.ErrInvalidPacket) {
			return err
		}
		go c.close(err)
		return err
	}
	util.Stats.AddSent(p.Size())
	return nil
}

// Close closes the socket and fires the disconnect handlers.
func (c *Connection) Close() error {
	c.close(nil)
	return nil
}

// CloseWithError closes the connection and reports err to the disconnect
// handlers and Err.
func (c *Connection) CloseWithError(err error) {
	c.close(err)
}

func (c *Connection) close(reason error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		if c.conn != nil {
			c.conn.Close()
		}
		c.closeErr = reason
		c.state.Store(int32(StateClosed))
		close(c.done)
		util.Stats.RemoveConn()

		if reason != nil {
			util.LogDebug("[conn %d] closed: %v", c.ID(), reason)
		}

		c.handlerMu.Lock()
		handlers := append([]func(*Connection, error){}, c.onDisconnect...)
		c.handlerMu.Unlock()
		for _, fn := range handlers {
			fn(c, reason)
		}
	})
}

// receiveLoop runs in a dedicated goroutine until the connection closes.
// Reads must be sequential to find frame boundaries, so it is the only reader.
func (c *Connection) receiveLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		wait := PollInterval
		if c.keepAlive.Enabled {
			now := time.Now()
			switch c.hb.step(now) {
			case beatTimeout:
				util.LogWarning("[conn %d] no traffic for %s, disconnecting", c.ID(), c.keepAlive.Timeout)
				c.close(ErrKeepAliveTimeout)
				return
			case beatSend:
				if err := c.Send(keepAliveProbe); err != nil {
					c.close(err)
					return
				}
			}
			wait = c.hb.wait(now, PollInterval)
		}

		// Block until at least one byte is buffered or the wait elapses.
		c.conn.SetReadDeadline(time.Now().Add(wait))
		if _, err := c.reader.Peek(1); err != nil {
			if isTimeout(err) {
				continue
			}
			c.close(closeReason(err))
			return
		}

		c.conn.SetReadDeadline(c.frameDeadline())
		p, err := protocol.ReadPacket(c.reader)
		if err != nil {
			var fe *protocol.FramingError
			if errors.As(err, &fe) {
				util.LogWarning("[conn %d] dropped packet: %v", c.ID(), err)
				continue
			}
			c.close(closeReason(err))
			return
		}

		util.Stats.AddRecv(p.Size())
		c.hb.touch(time.Now())
		c.handle(p)
	}
}

func (c *Connection) handle(p *protocol.Packet) {
	c.handlerMu.Lock()
	handlers := append([]func(*Connection, *protocol.Packet){}, c.onPacket...)
	c.handlerMu.Unlock()
	for _, fn := range handlers {
		fn(c, p)
	}

	handled, err := c.packets.Dispatch(c, p)
	if err != nil {
		util.LogError("[conn %d] handling packet %d: %v", c.ID(), p.TypeID, err)
		return
	}
	if !handled {
		util.LogDebug("[conn %d] no handler for packet %d", c.ID(), p.TypeID)
	}
}

func (c *Connection) frameDeadline() time.Time {
	if !c.keepAlive.Enabled {
		return time.Time{}
	}
	return time.Now().Add(c.keepAlive.Timeout)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func closeReason(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrConnectionClosed
	}
	return err
}
