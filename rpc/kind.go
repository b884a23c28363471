package rpc

// Kind tells which participant executes a method.
type Kind int

const (
	// KindServer methods run on the server and are called from clients.
	KindServer Kind = iota + 1
	// KindClient methods run on clients and are called from the server,
	// on selected clients or on all of them.
	KindClient
	// KindShared methods run on either side; the caller decides per call.
	KindShared
)

func (k Kind) String() string {
	switch k {
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindShared:
		return "shared"
	}
	return "invalid"
}

// local reports whether a participant executes methods of this kind.
func (k Kind) local(isServer bool) bool {
	switch k {
	case KindServer:
		return isServer
	case KindClient:
		return !isServer
	case KindShared:
		return true
	}
	return false
}

// remote reports whether a participant may call methods of this kind on its peer.
func (k Kind) remote(isServer bool) bool {
	switch k {
	case KindServer:
		return !isServer
	case KindClient:
		return isServer
	case KindShared:
		return true
	}
	return false
}

// Method describes one rpc method of a service.
//
// Func is the implementation, usually a method value such as s.add. Its
// parameters are the rpc arguments, optionally preceded by a
// context.Context. It returns nothing, a value, an error, or a value and
// an error.
type Method struct {
	Name string
	Kind Kind
	Func any
}
