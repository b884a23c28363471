// Package rpc implements remote method calls between the server and its
// clients on top of the transport packet registry.
//
// A call travels as an RPCRequest tagged with a fresh correlation id and is
// answered by an RPCResponse with the same id:
//
//	Request(event, args) → pending[id] → Sender → peer
//	peer: HandleRequest → middleware chain → CallEvent → RPCResponse
//	HandleResponse: pending[id] → ack check → Call.done()
//
// Calls from the server are broadcasts: they complete only once every
// targeted client acknowledged.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"hyper-rpc/codec"
	"hyper-rpc/internal/util"
	"hyper-rpc/message"
	"hyper-rpc/middleware"
	"hyper-rpc/transport"
)

// Sender is the participant a Protocol sends requests through.
type Sender interface {
	Codec() codec.Codec
	// Send delivers v to the server. Used on a client.
	Send(v any) error
	// SendTo delivers v to each listed client. Used on a server.
	SendTo(v any, ids []uint32) error
	// ConnectionIDs lists the clients currently connected to a server.
	ConnectionIDs() []uint32
}

// Peer is the connection a request or response arrived on.
// *transport.Connection implements it.
type Peer interface {
	ID() uint32
	ServerSide() bool
	Send(v any) error
}

type pendingCall struct {
	call *Call
	acks *ackTracker          // nil for a unicast call
	last *message.RPCResponse // Latest broadcast response
}

// Protocol is the call protocol of one participant.
type Protocol struct {
	sender   Sender
	isServer bool
	services *ServiceRegistry
	events   *EventRegistry

	handlerMu   sync.RWMutex
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingCall
}

// NewProtocol creates the call protocol of a server (isServer) or client
// participant.
func NewProtocol(sender Sender, isServer bool) *Protocol {
	p := &Protocol{
		sender:   sender,
		isServer: isServer,
		services: NewServiceRegistry(),
		events:   NewEventRegistry(),
		pending:  make(map[uuid.UUID]*pendingCall),
	}
	p.handler = p.execute
	return p
}

func (p *Protocol) IsServer() bool { return p.isServer }
func (p *Protocol) Events() *EventRegistry { return p.events }
func (p *Protocol) Services() *ServiceRegistry { return p.services }

// Setup installs the request and response handlers on packets.
func (p *Protocol) Setup(packets *transport.PacketRegistry) error {
	if err := transport.Handle(packets, func(conn *transport.Connection, req *message.RPCRequest) error {
		// Run off the receive loop so a callee may itself make calls.
		go func() {
			if err := p.HandleRequest(context.Background(), conn, req); err != nil {
				util.LogError("[conn %d] rpc %s: %v", conn.ID(), req.EventName, err)
			}
		}()
		return nil
	}); err != nil {
		return err
	}
	return transport.Handle(packets, func(conn *transport.Connection, resp *message.RPCResponse) error {
		return p.HandleResponse(conn, resp)
	})
}

// AddService registers svc and its events and binds it to p.
func (p *Protocol) AddService(svc Service) error {
	if err := p.services.Add(svc); err != nil {
		return err
	}
	if err := p.events.Add(svc, p.isServer); err != nil {
		p.services.Remove(serviceType(svc))
		return err
	}
	svc.base().bind(p, p.isServer)
	return nil
}

// RemoveService unregisters the service of type typ and its events.
func (p *Protocol) RemoveService(typ reflect.Type) bool {
	if _, ok := p.services.Remove(typ); !ok {
		return false
	}
	p.events.Remove(typ)
	return true
}

// GetService returns the registered instance of the service type T.
func GetService[T Service](p *Protocol) (T, bool) {
	var zero T
	svc, ok := p.services.Lookup(reflect.TypeOf(zero))
	if !ok {
		return zero, false
	}
	t, ok := svc.(T)
	return t, ok
}

// Use appends middlewares around the local execution of inbound requests.
// Middlewares run in the order they were added.
func (p *Protocol) Use(mws ...middleware.Middleware) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	p.middlewares = append(p.middlewares, mws...)
	p.handler = middleware.Chain(p.middlewares...)(p.execute)
}

// CallEvent runs the local implementation of name with encoded args.
func (p *Protocol) CallEvent(ctx context.Context, name string, args [][]byte) (Result, error) {
	return p.events.CallEvent(ctx, p.sender.Codec(), name, args)
}

// Request calls eventName on the peer. A client sends it to the server; a
// server sends it to every connected client, see RequestTo.
func (p *Protocol) Request(eventName string, args ...any) (*Call, error) {
	if p.isServer {
		return p.RequestTo(nil, eventName, args...)
	}

	req, err := p.newRequest(eventName, args)
	if err != nil {
		return nil, err
	}
	call := newCall(req.CorrelationID, eventName, nil, p.sender.Codec())

	// Pending before the write, the response may arrive before Send returns.
	p.addPending(req.CorrelationID, &pendingCall{call: call})
	if err := p.sender.Send(req); err != nil {
		p.removePending(req.CorrelationID)
		return nil, err
	}
	return call, nil
}

// RequestTo calls eventName on the listed clients. An empty list expands to
// the clients connected right now; with none connected the call completes
// at once without a value.
func (p *Protocol) RequestTo(targets []uint32, eventName string, args ...any) (*Call, error) {
	if !p.isServer {
		return nil, ErrNotServer
	}
	req, err := p.newRequest(eventName, args)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		targets = p.sender.ConnectionIDs()
	}
	targets = append([]uint32(nil), targets...)
	call := newCall(req.CorrelationID, eventName, targets, p.sender.Codec())
	if len(targets) == 0 {
		call.done()
		return call, nil
	}

	p.addPending(req.CorrelationID, &pendingCall{call: call, acks: newAckTracker(targets)})
	if err := p.sender.SendTo(req, targets); err != nil {
		failed, ok := failedTargets(err)
		if !ok || !p.dropTargets(req.CorrelationID, failed) {
			p.removePending(req.CorrelationID)
			return nil, err
		}
		util.LogWarning("rpc %s: skipped unreachable clients: %v", eventName, err)
	}
	return call, nil
}

// failedTargets lists the connections a multi-target send could not reach.
// It reports false when err is not made of per-connection failures.
func failedTargets(err error) ([]uint32, bool) {
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	ids := make([]uint32, 0, len(errs))
	for _, e := range errs {
		var se *transport.SendError
		if !errors.As(e, &se) {
			return nil, false
		}
		ids = append(ids, se.ID)
	}
	return ids, true
}

// dropTargets stops waiting for acknowledgments from ids. It reports false
// when no target is left, in which case the caller removes the call.
func (p *Protocol) dropTargets(id uuid.UUID, ids []uint32) bool {
	p.mu.Lock()
	pc, ok := p.pending[id]
	if !ok {
		p.mu.Unlock()
		return true
	}
	complete, live := pc.acks.drop(ids)
	if !live {
		p.mu.Unlock()
		return false
	}
	if !complete {
		p.mu.Unlock()
		return true
	}
	delete(p.pending, id)
	p.mu.Unlock()

	// Every reachable client already answered.
	finish(pc.call, pc.last)
	return true
}

func (p *Protocol) newRequest(eventName string, args []any) (*message.RPCRequest, error) {
	if !p.events.IsRemote(eventName) {
		return nil, fmt.Errorf("%w: %s", ErrRemoteNotRegistered, eventName)
	}
	c := p.sender.Codec()
	encoded := make([][]byte, len(args))
	for i, arg := range args {
		data, err := c.Encode(arg)
		if err != nil {
			return nil, fmt.Errorf("encode argument %d of %s: %w", i, eventName, err)
		}
		encoded[i] = data
	}
	return &message.RPCRequest{
		CorrelationID: uuid.New(),
		EventName:     eventName,
		Args:          encoded,
	}, nil
}

// HandleRequest executes req and answers on peer. Errors found before the
// method runs are sent back as exceptions so the caller does not hang.
func (p *Protocol) HandleRequest(ctx context.Context, peer Peer, req *message.RPCRequest) error {
	p.handlerMu.RLock()
	handler := p.handler
	p.handlerMu.RUnlock()

	resp := handler(ctx, req)
	if resp == nil {
		resp = &message.RPCResponse{}
	}
	resp.CorrelationID = req.CorrelationID
	return peer.Send(resp)
}

// execute is the innermost handler of the middleware chain.
func (p *Protocol) execute(ctx context.Context, req *message.RPCRequest) *message.RPCResponse {
	resp := &message.RPCResponse{CorrelationID: req.CorrelationID}
	res, err := p.CallEvent(ctx, req.EventName, req.Args)
	if err != nil {
		resp.Exception = exceptionFor(err)
		return resp
	}
	resp.ReturnValue = res.ReturnValue
	resp.Exception = res.Exception
	return resp
}

func exceptionFor(err error) *message.RemoteError {
	typ := ""
	switch {
	case errors.Is(err, ErrUnknownEvent):
		typ = message.ExceptionUnknownEvent
	case errors.Is(err, ErrArity):
		typ = message.ExceptionArity
	case errors.Is(err, ErrBadArgument):
		typ = message.ExceptionBadArgument
	default:
		return message.NewRemoteError(err)
	}
	return &message.RemoteError{Type: typ, Message: err.Error()}
}

// HandleResponse matches resp to its pending call. A unicast completes on
// the first response; a broadcast once the acknowledged connections equal
// its targets, with the last response.
func (p *Protocol) HandleResponse(peer Peer, resp *message.RPCResponse) error {
	p.mu.Lock()
	pc, ok := p.pending[resp.CorrelationID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCorrelation, resp.CorrelationID)
	}

	if pc.acks == nil {
		if !p.isServer && peer.ServerSide() {
			p.mu.Unlock()
			return fmt.Errorf("%w: client %d answered %s", ErrMisdirectedResponse, peer.ID(), resp.CorrelationID)
		}
	} else {
		complete, err := pc.acks.ack(peer.ID())
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("%s: %w", resp.CorrelationID, err)
		}
		if !complete {
			pc.last = resp
			p.mu.Unlock()
			return nil
		}
	}
	delete(p.pending, resp.CorrelationID)
	p.mu.Unlock()

	finish(pc.call, resp)
	return nil
}

func finish(call *Call, resp *message.RPCResponse) {
	if resp != nil {
		call.Reply = resp.ReturnValue
		if resp.Exception != nil {
			call.Error = resp.Exception
		}
	}
	call.done()
}

// Pending returns the number of calls waiting for responses.
func (p *Protocol) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Protocol) addPending(id uuid.UUID, pc *pendingCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[id] = pc
}

func (p *Protocol) removePending(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
}
