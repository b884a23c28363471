package rpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"hyper-rpc/codec"
	"hyper-rpc/message"
)

type mathService struct {
	ServiceBase
	notes []string
}

func (s *mathService) Methods() []Method {
	return []Method{
		{Name: "Add", Kind: KindServer, Func: s.add},
		{Name: "Divide", Kind: KindServer, Func: s.divide},
		{Name: "Crash", Kind: KindServer, Func: s.crash},
		{Name: "Notify", Kind: KindClient, Func: s.notify},
		{Name: "Echo", Kind: KindShared, Func: s.echo},
	}
}

func (s *mathService) add(a, b int) int { return a + b }

func (s *mathService) divide(ctx context.Context, a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("divide by zero")
	}
	return a / b, nil
}

func (s *mathService) crash() error { panic("kaboom") }

func (s *mathService) notify(msg string) { s.notes = append(s.notes, msg) }

func (s *mathService) echo(msg string) (string, error) { return msg, nil }

type dupService struct {
	ServiceBase
}

func (s *dupService) Methods() []Method {
	return []Method{
		{Name: "Ping", Kind: KindServer, Func: s.ping},
		{Name: "Ping", Kind: KindServer, Func: s.ping},
	}
}

func (s *dupService) ping() {}

type badService struct {
	ServiceBase
}

func (s *badService) Methods() []Method {
	return []Method{{Name: "Bad", Kind: KindServer, Func: func() (error, int) { return nil, 0 }}}
}

func encodeArgs(t *testing.T, args ...any) [][]byte {
	t.Helper()
	c := &codec.JSONCodec{}
	out := make([][]byte, len(args))
	for i, a := range args {
		data, err := c.Encode(a)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = data
	}
	return out
}

func eventOf(t *testing.T, svc Service, method string) string {
	t.Helper()
	name, err := EventNameOf(svc, method)
	if err != nil {
		t.Fatal(err)
	}
	return name
}

func TestEventName(t *testing.T) {
	svc := &mathService{}
	cases := []struct {
		method string
		want   string
	}{
		{"Add", "hyper-rpc/rpc.mathService_int Add(int, int)"},
		{"Divide", "hyper-rpc/rpc.mathService_int Divide(int, int)"},
		{"Crash", "hyper-rpc/rpc.mathService_void Crash()"},
		{"Notify", "hyper-rpc/rpc.mathService_void Notify(string)"},
		{"Echo", "hyper-rpc/rpc.mathService_string Echo(string)"},
	}
	for _, tc := range cases {
		if got := eventOf(t, svc, tc.method); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.method, got, tc.want)
		}
	}

	// Pointer and value service types name the same event.
	fn := reflect.TypeOf(svc.add)
	if EventName(reflect.TypeOf(svc), "Add", fn) != EventName(reflect.TypeOf(*svc), "Add", fn) {
		t.Error("pointer and value service types must agree")
	}

	if _, err := EventNameOf(svc, "Missing"); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expect ErrUnknownEvent, got %v", err)
	}
}

func TestEventRegistrySides(t *testing.T) {
	svc := &mathService{}
	add, notify, echo := eventOf(t, svc, "Add"), eventOf(t, svc, "Notify"), eventOf(t, svc, "Echo")

	server := NewEventRegistry()
	if err := server.Add(svc, true); err != nil {
		t.Fatal(err)
	}
	client := NewEventRegistry()
	if err := client.Add(svc, false); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		side          string
		r             *EventRegistry
		event         string
		local, remote bool
	}{
		{"server", server, add, true, false},
		{"server", server, notify, false, true},
		{"server", server, echo, true, true},
		{"client", client, add, false, true},
		{"client", client, notify, true, false},
		{"client", client, echo, true, true},
	}
	for _, tc := range cases {
		if got := tc.r.IsLocal(tc.event); got != tc.local {
			t.Errorf("%s IsLocal(%s) = %v", tc.side, tc.event, got)
		}
		if got := tc.r.IsRemote(tc.event); got != tc.remote {
			t.Errorf("%s IsRemote(%s) = %v", tc.side, tc.event, got)
		}
	}

	server.Remove(reflect.TypeOf(svc))
	if len(server.LocalEvents()) != 0 || len(server.RemoteEvents()) != 0 {
		t.Error("Remove should drop every event of the service")
	}
}

func TestEventRegistrySetupErrors(t *testing.T) {
	r := NewEventRegistry()
	if err := r.Add(&dupService{}, true); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("expect ErrDuplicateEvent, got %v", err)
	}
	if len(r.LocalEvents()) != 0 {
		t.Error("a failed Add must not register anything")
	}

	if err := r.Add(&badService{}, true); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expect ErrInvalidMethod, got %v", err)
	}

	if err := r.Add(&mathService{}, true); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(&mathService{}, true); !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("second instance of a service must collide, got %v", err)
	}
}

func TestCallEvent(t *testing.T) {
	svc := &mathService{}
	r := NewEventRegistry()
	if err := r.Add(svc, true); err != nil {
		t.Fatal(err)
	}
	c := &codec.JSONCodec{}
	ctx := context.Background()

	t.Run("result", func(t *testing.T) {
		res, err := r.CallEvent(ctx, c, eventOf(t, svc, "Add"), encodeArgs(t, 2, 3))
		if err != nil {
			t.Fatal(err)
		}
		if res.Exception != nil || string(res.ReturnValue) != "5" {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("context and error", func(t *testing.T) {
		res, err := r.CallEvent(ctx, c, eventOf(t, svc, "Divide"), encodeArgs(t, 1, 0))
		if err != nil {
			t.Fatal(err)
		}
		if res.Exception == nil || res.Exception.Message != "divide by zero" {
			t.Fatalf("expect divide by zero exception, got %+v", res)
		}
		if res.ReturnValue != nil {
			t.Error("failed call must not carry a return value")
		}
	})

	t.Run("panic", func(t *testing.T) {
		res, err := r.CallEvent(ctx, c, eventOf(t, svc, "Crash"), nil)
		if err != nil {
			t.Fatal(err)
		}
		if res.Exception == nil || res.Exception.Type != message.ExceptionPanic {
			t.Fatalf("expect panic exception, got %+v", res)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := r.CallEvent(ctx, c, "nope", nil)
		if !errors.Is(err, ErrUnknownEvent) {
			t.Fatalf("expect ErrUnknownEvent, got %v", err)
		}
	})

	t.Run("remote only", func(t *testing.T) {
		_, err := r.CallEvent(ctx, c, eventOf(t, svc, "Notify"), encodeArgs(t, "hi"))
		if !errors.Is(err, ErrUnknownEvent) {
			t.Fatalf("client-kind event must not run on the server, got %v", err)
		}
	})

	t.Run("arity", func(t *testing.T) {
		_, err := r.CallEvent(ctx, c, eventOf(t, svc, "Add"), encodeArgs(t, 1))
		if !errors.Is(err, ErrArity) {
			t.Fatalf("expect ErrArity, got %v", err)
		}
	})

	t.Run("bad argument", func(t *testing.T) {
		_, err := r.CallEvent(ctx, c, eventOf(t, svc, "Add"), [][]byte{[]byte(`"x"`), []byte("1")})
		if !errors.Is(err, ErrBadArgument) {
			t.Fatalf("expect ErrBadArgument, got %v", err)
		}
	})
}

func TestServiceRegistry(t *testing.T) {
	r := NewServiceRegistry()
	svc := &mathService{}
	if err := r.Add(svc); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(&mathService{}); !errors.Is(err, ErrServiceExists) {
		t.Fatalf("expect ErrServiceExists, got %v", err)
	}
	if err := r.Add(&dupService{}); err != nil {
		t.Fatal(err)
	}

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("expect 2 services, got %d", len(all))
	}
	if fmt.Sprintf("%T", all[0]) != "*rpc.dupService" {
		t.Errorf("expect services ordered by type name, got %T first", all[0])
	}

	if got, ok := r.Lookup(reflect.TypeOf(svc)); !ok || got != Service(svc) {
		t.Error("Lookup should return the registered instance")
	}
	if _, ok := r.Remove(reflect.TypeOf(svc)); !ok {
		t.Error("Remove should report the removed service")
	}
	if _, ok := r.Lookup(reflect.TypeOf(svc)); ok {
		t.Error("service still registered after Remove")
	}
}

func TestServiceBaseIsLocal(t *testing.T) {
	var server, client ServiceBase
	server.bind(nil, true)
	client.bind(nil, false)

	if !server.IsLocal(KindServer) || server.IsLocal(KindClient) {
		t.Error("server runs server-kind methods only")
	}
	if client.IsLocal(KindServer) || !client.IsLocal(KindClient) {
		t.Error("client runs client-kind methods only")
	}
	if server.IsLocal(KindShared) || client.IsLocal(KindShared) {
		t.Error("shared methods are decided by the caller")
	}
}
