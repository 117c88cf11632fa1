package dap

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"

	"github.com/remdap/remdap/pkg/config"
	"github.com/remdap/remdap/service"
	"github.com/remdap/remdap/service/adt"
)

// testFrontEnd drives a running Server over a real connection the way an
// editor would: encoded DAP requests out, decoded messages back in.
type testFrontEnd struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	seq    int
}

func startTestServer(t *testing.T, connName string, client *fakeClient) (*Server, *testFrontEnd) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := NewServer(&service.Config{
		Listener:        listener,
		Connection:      config.ConnectionConfig{Name: connName, Username: "DEVELOPER"},
		TerminalID:      "term-1",
		ListenerBackoff: time.Millisecond,
		DisconnectChan:  make(chan struct{}),
	})
	server.newClient = func() (adt.Client, error) { return client, nil }
	server.Run()
	t.Cleanup(server.Stop)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return server, &testFrontEnd{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testFrontEnd) request(command string) dap.Request {
	c.seq++
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Seq: c.seq, Type: "request"},
		Command:         command,
	}
}

func (c *testFrontEnd) send(message dap.Message) {
	c.t.Helper()
	if err := dap.WriteProtocolMessage(c.conn, message); err != nil {
		c.t.Fatal(err)
	}
}

func (c *testFrontEnd) read() dap.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	message, err := dap.ReadProtocolMessage(c.reader)
	if err != nil {
		c.t.Fatal(err)
	}
	return message
}

func (c *testFrontEnd) expectErrorResponse(command string, id int) *dap.ErrorResponse {
	c.t.Helper()
	er, ok := c.read().(*dap.ErrorResponse)
	if !ok {
		c.t.Fatalf("expected ErrorResponse for %q", command)
	}
	if er.Success {
		c.t.Errorf("ErrorResponse.Success = true, want false")
	}
	if command != "" && er.Command != command {
		c.t.Errorf("Command = %q, want %q", er.Command, command)
	}
	if er.Body.Error == nil {
		c.t.Fatalf("ErrorResponse for %q carries no error body", command)
	}
	if er.Body.Error.Id != id {
		c.t.Errorf("error id = %d, want %d", er.Body.Error.Id, id)
	}
	return er
}

func TestServerInitialize(t *testing.T) {
	_, fe := startTestServer(t, "srv-init", newFakeClient())

	fe.send(&dap.InitializeRequest{Request: fe.request("initialize")})
	response, ok := fe.read().(*dap.InitializeResponse)
	if !ok {
		t.Fatal("expected InitializeResponse")
	}
	if !response.Body.SupportsConfigurationDoneRequest {
		t.Error("SupportsConfigurationDoneRequest = false, want true")
	}
	if !response.Body.SupportsSetVariable {
		t.Error("SupportsSetVariable = false, want true")
	}
	if response.Body.SupportsStepBack {
		t.Error("SupportsStepBack = true, want false")
	}
}

func TestServerAttachAndStackTrace(t *testing.T) {
	client := newFakeClient()
	client.stack = []adt.StackEntry{
		{Ref: "stack/0", Line: 12, Description: "START-OF-SELECTION", Source: adt.SourceRef{Name: "zreport", URI: "/remote/zreport"}},
		{Ref: "stack/1", Line: 47, Description: "FORM run", Source: adt.SourceRef{Name: "zreport", URI: "/remote/zreport"}},
	}
	release := make(chan struct{})
	client.listen = func(ctx context.Context, ident adt.ListenerIdentity) (*adt.Debuggee, error) {
		<-release
		return &adt.Debuggee{ID: "D1", Program: "ZREPORT"}, nil
	}
	_, fe := startTestServer(t, "srv-attach", client)

	fe.send(&dap.AttachRequest{Request: fe.request("attach")})
	if _, ok := fe.read().(*dap.InitializedEvent); !ok {
		t.Fatal("expected InitializedEvent first")
	}
	if _, ok := fe.read().(*dap.AttachResponse); !ok {
		t.Fatal("expected AttachResponse")
	}

	// The debuggee has not arrived yet; the stack is refused, not raced.
	fe.send(&dap.StackTraceRequest{Request: fe.request("stackTrace")})
	fe.expectErrorResponse("stackTrace", UnableToProduceStackTrace)

	close(release)
	stopped, ok := fe.read().(*dap.StoppedEvent)
	if !ok {
		t.Fatal("expected StoppedEvent after handoff")
	}
	if stopped.Body.Reason != "breakpoint" {
		t.Errorf("stop reason = %q, want breakpoint", stopped.Body.Reason)
	}
	if stopped.Body.ThreadId != defaultThreadID {
		t.Errorf("ThreadId = %d, want %d", stopped.Body.ThreadId, defaultThreadID)
	}
	if stopped.Body.Description != "ZREPORT" {
		t.Errorf("Description = %q, want ZREPORT", stopped.Body.Description)
	}

	fe.send(&dap.StackTraceRequest{Request: fe.request("stackTrace")})
	response, ok := fe.read().(*dap.StackTraceResponse)
	if !ok {
		t.Fatal("expected StackTraceResponse")
	}
	frames := response.Body.StackFrames
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if frames[0].Id != encodeFrameID(defaultThreadID, 0) {
		t.Errorf("frame id = %d, want %d", frames[0].Id, encodeFrameID(defaultThreadID, 0))
	}
	if frames[0].Line != 12 {
		t.Errorf("frame line = %d, want 12", frames[0].Line)
	}
	if frames[0].Source == nil || frames[0].Source.Path != "/remote/zreport" {
		t.Errorf("frame source = %+v, want path /remote/zreport", frames[0].Source)
	}

	client.mu.Lock()
	attached := append([]string(nil), client.attachCalls...)
	client.mu.Unlock()
	if len(attached) != 1 || attached[0] != "D1" {
		t.Errorf("attach calls = %v, want [D1]", attached)
	}
}

func TestServerErrorResponses(t *testing.T) {
	_, fe := startTestServer(t, "srv-errors", newFakeClient())

	// Requests that need a debuggee are refused while none is attached,
	// and the server keeps serving afterwards.
	fe.send(&dap.StackTraceRequest{Request: fe.request("stackTrace")})
	fe.expectErrorResponse("stackTrace", UnableToProduceStackTrace)

	fe.send(&dap.EvaluateRequest{
		Request:   fe.request("evaluate"),
		Arguments: dap.EvaluateArguments{Expression: "LV_COUNT"},
	})
	fe.expectErrorResponse("evaluate", UnableToEvaluateExpression)

	fe.send(&dap.PauseRequest{Request: fe.request("pause")})
	fe.expectErrorResponse("pause", UnsupportedCommand)

	fe.send(&dap.LaunchRequest{Request: fe.request("launch")})
	fe.expectErrorResponse("launch", UnsupportedCommand)

	// Still alive.
	fe.send(&dap.ThreadsRequest{Request: fe.request("threads")})
	if _, ok := fe.read().(*dap.ThreadsResponse); !ok {
		t.Fatal("expected ThreadsResponse after error responses")
	}
}

func TestServerDisconnect(t *testing.T) {
	disconnect := make(chan struct{})
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := NewServer(&service.Config{
		Listener:       listener,
		Connection:     config.ConnectionConfig{Name: "srv-disconnect"},
		DisconnectChan: disconnect,
	})
	server.newClient = func() (adt.Client, error) { return newFakeClient(), nil }
	server.Run()
	t.Cleanup(server.Stop)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	fe := &testFrontEnd{t: t, conn: conn, reader: bufio.NewReader(conn)}

	fe.send(&dap.DisconnectRequest{Request: fe.request("disconnect")})
	if _, ok := fe.read().(*dap.DisconnectResponse); !ok {
		t.Fatal("expected DisconnectResponse")
	}
	select {
	case <-disconnect:
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect signal never arrived")
	}
}

// The attach handoff publishes the session from the listener goroutine while
// the request loop keeps serving; both must observe consistent state.
func TestServerHandoffConcurrentWithRequests(t *testing.T) {
	client := newFakeClient()
	client.stack = []adt.StackEntry{{Ref: "stack/0", Line: 1}}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := NewServer(&service.Config{
		Listener:       listener,
		Connection:     config.ConnectionConfig{Name: "srv-race"},
		DisconnectChan: make(chan struct{}),
	})
	server.newClient = func() (adt.Client, error) { return client, nil }
	t.Cleanup(server.Stop)

	// Route sends into a drained pipe so handlers can be invoked directly.
	local, remote := net.Pipe()
	server.conn = local
	go io.Copy(io.Discard, remote)
	t.Cleanup(func() { remote.Close() })

	server.stateMu.Lock()
	server.client = client
	server.stateMu.Unlock()

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		server.StartAttachSession(&adt.Debuggee{ID: "D1", Program: "ZREPORT"}, "srv-race")
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			server.onStackTraceRequest(ctx, &dap.StackTraceRequest{
				Request: dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: i, Type: "request"}, Command: "stackTrace"},
			})
		}
	}()
	wg.Wait()

	if _, session := server.debugState(); session == nil {
		t.Fatal("handoff did not publish a session")
	}
}
