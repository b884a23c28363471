package message

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestResponse(t *testing.T) {
	req := &RPCRequest{
		CorrelationID: uuid.New(),
		EventName:     "hyper-rpc/example.MathUtils_int Add(int, int)",
		Args:          [][]byte{[]byte("1"), []byte("2")},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	var req2 RPCRequest
	if err := json.Unmarshal(data, &req2); err != nil {
		t.Fatalf("Failed to unmarshal with error: %v", err)
	}
	if req2.CorrelationID != req.CorrelationID {
		t.Errorf("CorrelationID mismatch: got %s, want %s", req2.CorrelationID, req.CorrelationID)
	}
	if req2.EventName != req.EventName || len(req2.Args) != 2 || string(req2.Args[1]) != "2" {
		t.Errorf("decoded request mismatch: %+v", req2)
	}

	resp := &RPCResponse{
		CorrelationID: req.CorrelationID,
		Exception:     &RemoteError{Type: "*errors.errorString", Message: "boom"},
	}
	data, err = json.Marshal(resp)
	if err != nil {
		t.Fatalf("Failed to marshal response: %v", err)
	}
	var resp2 RPCResponse
	if err := json.Unmarshal(data, &resp2); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp2.Exception == nil || resp2.Exception.Message != "boom" {
		t.Errorf("exception lost: %+v", resp2)
	}
	if resp2.ReturnValue != nil {
		t.Errorf("expect no return value, got %q", resp2.ReturnValue)
	}
}

func TestPacketTypesDistinct(t *testing.T) {
	ids := []int32{
		HelloRequest{}.PacketType(),
		HelloResponse{}.PacketType(),
		KeepAliveRequest{}.PacketType(),
		KeepAliveResponse{}.PacketType(),
		RPCRequest{}.PacketType(),
		RPCResponse{}.PacketType(),
	}
	seen := map[int32]bool{}
	for _, id := range ids {
		if id == 0 {
			t.Fatal("packet type id must not be zero")
		}
		if seen[id] {
			t.Fatalf("duplicate packet type id %d", id)
		}
		seen[id] = true
	}
}

func TestNewRemoteError(t *testing.T) {
	if NewRemoteError(nil) != nil {
		t.Fatal("nil error should map to nil")
	}

	re := NewRemoteError(errors.New("divide by zero"))
	if re.Message != "divide by zero" {
		t.Errorf("unexpected message %q", re.Message)
	}
	if !strings.Contains(re.Error(), "divide by zero") {
		t.Errorf("Error() should contain the message, got %q", re.Error())
	}

	if again := NewRemoteError(re); again != re {
		t.Error("RemoteError should not be wrapped twice")
	}
}

func TestRemoteErrorIs(t *testing.T) {
	var err error = &RemoteError{Type: ExceptionTimeout, Message: "request timed out"}
	if !errors.Is(err, &RemoteError{Type: ExceptionTimeout}) {
		t.Error("expect match on type")
	}
	if errors.Is(err, &RemoteError{Type: ExceptionArity}) {
		t.Error("different type must not match")
	}
}
