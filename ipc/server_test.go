package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/flowkernel/coreengine/api"
	"github.com/jeeves-cluster-organization/flowkernel/coreengine/kernel"
)

func startTestServer(t *testing.T) (*Client, *kernel.Kernel) {
	t.Helper()

	k := kernel.NewKernel(nil, nil)
	service := api.NewService(k, kernel.NopLogger{})
	server := NewServer(service, kernel.NopLogger{}, 0)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("server did not stop")
		}
	})

	client, err := Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, k
}

func TestServer_CallRoundTrip(t *testing.T) {
	client, _ := startTestServer(t)

	result, err := client.Call("CreateProcess", &api.CreateProcessRequest{
		ProcessID: "pid-1",
		RequestID: "req-1",
		UserID:    "user-1",
		RawInput:  "hello",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var pcb kernel.ProcessControlBlock
	if err := json.Unmarshal(result, &pcb); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if pcb.PID != "pid-1" || pcb.State != kernel.ProcessStateNew {
		t.Errorf("unexpected pcb: %+v", pcb)
	}

	// Status reflects the created process.
	result, err = client.Call("GetSystemStatus", nil)
	if err != nil {
		t.Fatal(err)
	}
	var status map[string]any
	if err := json.Unmarshal(result, &status); err != nil {
		t.Fatal(err)
	}
	if status["processes_total"] != float64(1) {
		t.Errorf("expected 1 process, got %v", status["processes_total"])
	}
}

func TestServer_ErrorCategories(t *testing.T) {
	client, _ := startTestServer(t)

	_, err := client.Call("GetProcess", &api.ProcessRequest{ProcessID: "ghost"})
	var callErr *CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected CallError, got %v", err)
	}
	if callErr.Category != "not_found" {
		t.Errorf("expected not_found, got %s", callErr.Category)
	}

	_, err = client.Call("NoSuchMethod", nil)
	if !errors.As(err, &callErr) || callErr.Category != "not_found" {
		t.Errorf("unknown method should be not_found, got %v", err)
	}

	// Malformed params.
	_, err = client.Call("GetProcess", json.RawMessage(`{"process_id": 42}`))
	if !errors.As(err, &callErr) || callErr.Category != "validation" {
		t.Errorf("malformed params should be validation, got %v", err)
	}
}

func TestServer_StreamDelivery(t *testing.T) {
	client, _ := startTestServer(t)

	for _, pid := range []string{"pid-1", "pid-2", "pid-3"} {
		if _, err := client.Call("CreateProcess", &api.CreateProcessRequest{
			ProcessID: pid, RequestID: "req-" + pid, UserID: "user-1",
		}); err != nil {
			t.Fatal(err)
		}
	}

	chunks, err := client.CallStream("ListProcesses", &api.ListProcessesRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for _, chunk := range chunks {
		var pcb kernel.ProcessControlBlock
		if err := json.Unmarshal(chunk, &pcb); err != nil {
			t.Errorf("chunk should be one pcb: %v", err)
		}
	}

	// A non-list result degrades to a single chunk.
	chunks, err = client.CallStream("GetSystemStatus", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for a non-list result, got %d", len(chunks))
	}
}

func TestServer_RejectsNonRequestFrames(t *testing.T) {
	client, _ := startTestServer(t)

	// Speak the framing directly with a frame type the server never accepts
	// from clients.
	raw, err := net.Dial("tcp", client.conn.RemoteAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	if err := WriteFrame(raw, Frame{Type: MsgTypeResponse, Payload: []byte(`{}`)}, 0); err != nil {
		t.Fatal(err)
	}
	frame, err := ReadFrame(raw, 0)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Type != MsgTypeError {
		t.Fatalf("expected error frame, got 0x%02x", frame.Type)
	}
	var wire ErrorResponse
	if err := json.Unmarshal(frame.Payload, &wire); err != nil {
		t.Fatal(err)
	}
	if wire.Category != "validation" {
		t.Errorf("expected validation, got %s", wire.Category)
	}
}

func TestServer_ConcurrentConnections(t *testing.T) {
	client, k := startTestServer(t)

	// Each extra connection gets its own handler goroutine.
	second, err := Dial("tcp", client.conn.RemoteAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	var wg sync.WaitGroup
	for i, c := range []*Client{client, second} {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			_, err := c.Call("CreateProcess", &api.CreateProcessRequest{
				ProcessID: fmt.Sprintf("pid-%d", i),
				RequestID: fmt.Sprintf("req-%d", i),
				UserID:    "user-1",
			})
			if err != nil {
				t.Errorf("conn %d: %v", i, err)
			}
		}(i, c)
	}
	wg.Wait()

	counts := k.GetProcessCounts()
	if counts[kernel.ProcessStateNew] != 2 {
		t.Errorf("expected 2 created processes, got %+v", counts)
	}
}

func TestServer_StateAcrossCalls(t *testing.T) {
	client, k := startTestServer(t)

	if _, err := client.Call("CreateProcess", &api.CreateProcessRequest{
		ProcessID: "pid-1", RequestID: "req-1", UserID: "user-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Call("ScheduleProcess", &api.ProcessRequest{ProcessID: "pid-1"}); err != nil {
		t.Fatal(err)
	}

	// The transport writes through to the same kernel.
	pcb, err := k.GetProcess("pid-1")
	if err != nil {
		t.Fatal(err)
	}
	if pcb.State != kernel.ProcessStateReady {
		t.Errorf("expected ready, got %s", pcb.State)
	}
}
