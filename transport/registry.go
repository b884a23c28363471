package transport

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"hyper-rpc/codec"
	"hyper-rpc/protocol"
)

var ErrPacketCollision = errors.New("packet type id collision")

// HandlerFunc handles one inbound packet received on conn.
type HandlerFunc func(conn *Connection, p *protocol.Packet) error

type registration struct {
	typeID  int32
	typ     reflect.Type
	handler HandlerFunc
}

// PacketRegistry maps wire type ids and payload types to handlers. Each
// participant owns one; its connections dispatch every inbound packet
// through it.
type PacketRegistry struct {
	mu     sync.Mutex
	byID   map[int32]*registration
	byType map[reflect.Type]*registration
}

// NewPacketRegistry creates an empty registry.
func NewPacketRegistry() *PacketRegistry {
	return &PacketRegistry{
		byID:   make(map[int32]*registration),
		byType: make(map[reflect.Type]*registration),
	}
}

func baseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// Register associates the payload type typ with handler. Registering the
// same type again replaces its handler. A different type hashing to an id
// that is already taken fails with ErrPacketCollision. A nil handler keeps
// the type known without handling it.
func (r *PacketRegistry) Register(typ reflect.Type, handler HandlerFunc) error {
	typ = baseType(typ)
	id := codec.TypeID(typ)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[id]; ok && existing.typ != typ {
		return fmt.Errorf("%w: %s and %s both map to %d",
			ErrPacketCollision, codec.TypeName(existing.typ), codec.TypeName(typ), id)
	}
	reg := &registration{typeID: id, typ: typ, handler: handler}
	r.byID[id] = reg
	r.byType[typ] = reg
	return nil
}

// Unregister removes typ from both indexes.
func (r *PacketRegistry) Unregister(typ reflect.Type) {
	typ = baseType(typ)

	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.byType[typ]; ok {
		delete(r.byType, typ)
		delete(r.byID, reg.typeID)
	}
}

// Lookup returns the payload type registered under id.
func (r *PacketRegistry) Lookup(id int32) (reflect.Type, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return reg.typ, true
}

// TypeID returns the id typ is registered under.
func (r *PacketRegistry) TypeID(typ reflect.Type) (int32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byType[baseType(typ)]
	if !ok {
		return 0, false
	}
	return reg.typeID, true
}

// Dispatch runs the handler registered for p's type id. It reports false
// with no error when nothing handles the packet. The handler runs outside
// the registry lock; a panicking handler is turned into an error.
func (r *PacketRegistry) Dispatch(conn *Connection, p *protocol.Packet) (handled bool, err error) {
	r.mu.Lock()
	reg, ok := r.byID[p.TypeID]
	r.mu.Unlock()

	if !ok || reg.handler == nil {
		return false, nil
	}

	handled = true
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("packet handler for %s panicked: %v", codec.TypeName(reg.typ), rec)
		}
	}()
	err = reg.handler(conn, p)
	return
}

// Handle registers fn for payloads of type T. The packet is decoded with the
// receiving connection's codec before fn runs.
func Handle[T any](r *PacketRegistry, fn func(conn *Connection, msg *T) error) error {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	return r.Register(typ, func(conn *Connection, p *protocol.Packet) error {
		msg := new(T)
		if err := p.Decode(conn.Codec(), msg); err != nil {
			return err
		}
		return fn(conn, msg)
	})
}
