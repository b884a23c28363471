// Package example hosts a sample service and its call stubs, written the
// way a stub generator is expected to emit them: each stub decides between
// running the implementation in-process and sending an rpc request.
package example

import (
	"context"
	"errors"
	"sync"

	"hyper-rpc/rpc"
)

var ErrDivideByZero = errors.New("divide by zero")

// MathUtils is shared by the server and its clients. Each participant adds
// its own instance.
type MathUtils struct {
	rpc.ServiceBase

	mu    sync.Mutex
	notes []string
	scale int
}

// NewMathUtils returns a service whose Scale multiplies by factor.
func NewMathUtils(factor int) *MathUtils {
	return &MathUtils{scale: factor}
}

func (m *MathUtils) Methods() []rpc.Method {
	return []rpc.Method{
		{Name: "Add", Kind: rpc.KindServer, Func: m.add},
		{Name: "Divide", Kind: rpc.KindServer, Func: m.divide},
		{Name: "Notify", Kind: rpc.KindClient, Func: m.notify},
		{Name: "Scale", Kind: rpc.KindClient, Func: m.scaleBy},
		{Name: "Echo", Kind: rpc.KindShared, Func: m.echo},
	}
}

func (m *MathUtils) add(a, b int) int { return a + b }

func (m *MathUtils) divide(a, b float64) (float64, error) {
	if b == 0 {
		return 0, ErrDivideByZero
	}
	return a / b, nil
}

func (m *MathUtils) notify(ctx context.Context, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, text)
}

func (m *MathUtils) scaleBy(v int) int { return v * m.scale }

func (m *MathUtils) echo(text string) string { return text }

// Notes returns the texts delivered to this instance by Notify.
func (m *MathUtils) Notes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.notes...)
}

// Add runs on the server.
func (m *MathUtils) Add(ctx context.Context, a, b int) (int, error) {
	if m.IsLocal(rpc.KindServer) {
		return m.add(a, b), nil
	}
	return rpc.Invoke[int](ctx, m, "Add", a, b)
}

// Divide runs on the server.
func (m *MathUtils) Divide(ctx context.Context, a, b float64) (float64, error) {
	if m.IsLocal(rpc.KindServer) {
		return m.divide(a, b)
	}
	return rpc.Invoke[float64](ctx, m, "Divide", a, b)
}

// Notify runs on clients: targets, or every connected client when empty.
func (m *MathUtils) Notify(ctx context.Context, text string, targets ...uint32) error {
	if m.IsLocal(rpc.KindClient) {
		m.notify(ctx, text)
		return nil
	}
	_, err := rpc.InvokeOn[struct{}](ctx, m, targets, "Notify", text)
	return err
}

// Scale runs on clients. Called from the server it returns the result of
// the client that answered last.
func (m *MathUtils) Scale(ctx context.Context, v int, targets ...uint32) (int, error) {
	if m.IsLocal(rpc.KindClient) {
		return m.scaleBy(v), nil
	}
	return rpc.InvokeOn[int](ctx, m, targets, "Scale", v)
}

// Echo runs here when local is set, otherwise on the peer: the server from
// a client, every client from the server.
func (m *MathUtils) Echo(ctx context.Context, text string, local bool) (string, error) {
	if local {
		return m.echo(text), nil
	}
	return rpc.Invoke[string](ctx, m, "Echo", text)
}
