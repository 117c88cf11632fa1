// Package dap bridges a local DAP front-end to a debugger running on a
// remote server. Execution state stays remote; this package maps opaque
// variable references onto remote variable paths, resolves scopes and
// variables with bounded-concurrency batching, and runs the long-poll
// listener that waits for a remote debuggee to appear.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/remdap/remdap/pkg/logflags"
	"github.com/remdap/remdap/service"
	"github.com/remdap/remdap/service/adt"
)

// Server accepts a single DAP front-end connection and bridges it to one
// remote debugger session. The server operates via two goroutines: the main
// goroutine where it is created and stopped, and a run goroutine that
// accepts the client connection and processes requests synchronously. The
// attach listener loop runs independently and hands a debuggee off to the
// server when one appears.
type Server struct {
	// config is all the information necessary to connect the bridge.
	config *service.Config
	// listener is used to accept the front-end connection.
	listener net.Listener
	// conn is the accepted front-end connection.
	conn net.Conn
	// sendMu serializes writes to conn; the listener handoff emits
	// events from outside the request loop.
	sendMu sync.Mutex
	// stopChan is closed when the server is Stop()-ed.
	stopChan chan struct{}
	// reader is used to read requests from the connection.
	reader *bufio.Reader
	// stateMu guards client and session: the listener handoff writes
	// session from its own goroutine while the request loop reads both.
	stateMu sync.Mutex
	// client is the remote debugger API client, created on attach.
	client adt.Client
	// newClient builds the remote client; replaceable in tests.
	newClient func() (adt.Client, error)
	// session is the variable resolver for the attached debuggee.
	session *Session
	// breakpoints tracks the front-end's declared breakpoints.
	breakpoints *breakpointStore
	// listeners tracks the attach listener loops.
	listeners *listenerSet
	// log is used for structured logging.
	log *logrus.Entry
}

// NewServer creates a new DAP Server. It takes an opened Listener via
// config and assumes its ownership. config.DisconnectChan has to be set; it
// will be closed by the server when the front-end disconnects or requests
// shutdown. Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *service.Config) *Server {
	logger := logflags.DAPLogger()
	logflags.WriteDAPListeningMessage(config.Listener.Addr().String())
	s := &Server{
		config:      config,
		listener:    config.Listener,
		stopChan:    make(chan struct{}),
		breakpoints: newBreakpointStore(),
		log:         logger,
	}
	s.newClient = func() (adt.Client, error) {
		return adt.NewHTTPClient(adt.ConnectionOptions{
			BaseURL:  config.Connection.URL,
			Username: config.Connection.Username,
			Password: config.Connection.Password,
			Client:   config.Connection.Client,
		})
	}
	s.listeners = newListenerSet(s, s.breakpoints, config.ListenerBackoff)
	return s
}

// Stop stops the DAP service, closes the listener and the front-end
// connection, and detaches from the remote debuggee if one is attached.
// This method mustn't be called more than once.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	s.listeners.StopAll()
	if s.conn != nil {
		// Unless Stop() was called after serveDAPCodec() returned,
		// this will result in a closed connection error on next read,
		// breaking out of the read loop.
		s.conn.Close()
	}
	client, session := s.debugState()
	if client != nil {
		if err := client.Detach(context.Background()); err != nil {
			s.log.Error(err)
		}
	}
	if session != nil {
		sessions.drop(session.connID)
	}
}

// debugState returns the current remote client and resolver session. Both
// are nil until the attach flow populates them.
func (s *Server) debugState() (adt.Client, *Session) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.client, s.session
}

// signalDisconnect closes config.DisconnectChan if not nil, which signals
// that the front-end disconnected or there was a connection failure. The
// function safeguards against closing the channel more than once and can be
// called multiple times.
func (s *Server) signalDisconnect() {
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
		s.config.DisconnectChan = nil
	}
}

// Run launches a new goroutine where it accepts a front-end connection and
// starts processing requests from it. Use Stop() to close the connection.
func (s *Server) Run() {
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Errorf("Error accepting client connection: %s", err)
			}
			s.signalDisconnect()
			return
		}
		s.conn = conn
		s.serveDAPCodec()
	}()
}

// serveDAPCodec reads and decodes requests from the front-end until it
// encounters an error or EOF, when it sends the disconnect signal and
// returns.
func (s *Server) serveDAPCodec() {
	defer s.signalDisconnect()
	s.reader = bufio.NewReader(s.conn)
	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			stopRequested := false
			select {
			case <-s.stopChan:
				stopRequested = true
			default:
			}
			if err != io.EOF && !stopRequested {
				s.log.Error("DAP error: ", err)
			}
			return
		}
		s.handleRequest(request)
	}
}

func (s *Server) handleRequest(request dap.Message) {
	defer func() {
		// In case a handler panics, we catch the panic and send an
		// error response back to the client.
		if ierr := recover(); ierr != nil {
			s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
		}
	}()

	jsonmsg, _ := json.Marshal(request)
	s.log.Debug("[<- from client]", string(jsonmsg))

	ctx := context.Background()
	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(request)
	case *dap.AttachRequest:
		s.onAttachRequest(request)
	case *dap.LaunchRequest:
		// The debuggee always starts on the remote system; there is
		// nothing to launch locally.
		s.sendErrorResponse(request.Request, UnsupportedCommand, "Unsupported command",
			"launch is not supported, use attach")
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(ctx, request)
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpointsRequest(ctx, request)
	case *dap.SetExceptionBreakpointsRequest:
		// Always sent by VS Code even with no filters declared.
		s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
	case *dap.ConfigurationDoneRequest:
		s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})
	case *dap.ContinueRequest:
		s.send(&dap.ContinueResponse{Response: *newResponse(request.Request)})
		s.doStep(ctx, adt.StepContinue)
	case *dap.NextRequest:
		s.send(&dap.NextResponse{Response: *newResponse(request.Request)})
		s.doStep(ctx, adt.StepOver)
	case *dap.StepInRequest:
		s.send(&dap.StepInResponse{Response: *newResponse(request.Request)})
		s.doStep(ctx, adt.StepInto)
	case *dap.StepOutRequest:
		s.send(&dap.StepOutResponse{Response: *newResponse(request.Request)})
		s.doStep(ctx, adt.StepReturn)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		s.onStackTraceRequest(ctx, request)
	case *dap.ScopesRequest:
		s.onScopesRequest(ctx, request)
	case *dap.VariablesRequest:
		s.onVariablesRequest(ctx, request)
	case *dap.EvaluateRequest:
		s.onEvaluateRequest(ctx, request)
	case *dap.SetVariableRequest:
		s.onSetVariableRequest(ctx, request)
	case *dap.PauseRequest:
		// The remote debuggee is either stopped or unreachable; there
		// is no asynchronous interrupt to deliver.
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.RestartRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.TerminateRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetFunctionBreakpointsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SourceRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.StepBackRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.ReverseContinueRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.SetExpressionRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	case *dap.CompletionsRequest:
		s.sendUnsupportedErrorResponse(request.Request)
	default:
		// This is a DAP message that go-dap has a struct for, so
		// decoding succeeded, but this function does not know how
		// to handle it.
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("Unable to process %#v", request))
	}
}

func (s *Server) send(message dap.Message) {
	jsonmsg, _ := json.Marshal(message)
	s.log.Debug("[-> to client]", string(jsonmsg))
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	dap.WriteProtocolMessage(s.conn, message)
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsSetVariable = true
	response.Body.SupportsEvaluateForHovers = true
	response.Body.SupportsTerminateRequest = false
	response.Body.SupportsRestartRequest = false
	response.Body.SupportsFunctionBreakpoints = false
	response.Body.SupportsStepBack = false
	s.send(response)
}

// onAttachRequest starts the attach listener for the configured connection.
// The actual debuggee arrives asynchronously through the listener handoff,
// which attaches the remote session and raises the first stopped event.
func (s *Server) onAttachRequest(request *dap.AttachRequest) {
	client, err := s.newClient()
	if err != nil {
		s.sendErrorResponse(request.Request, FailedToAttach, "Failed to attach", err.Error())
		return
	}
	s.stateMu.Lock()
	s.client = client
	s.stateMu.Unlock()

	ident := adt.ListenerIdentity{
		ConnectionID: s.config.Connection.Name,
		TerminalID:   s.config.TerminalID,
		IdeID:        uuid.NewString(),
		Username:     s.config.Connection.Username,
		Mode:         adt.ListenModeUser,
	}
	if err := s.listeners.Start(client, ident); err != nil {
		s.sendErrorResponse(request.Request, ListenerAlreadyActive, "Failed to attach", err.Error())
		return
	}

	// Ready for setBreakpoints / configurationDone.
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.AttachResponse{Response: *newResponse(request.Request)})
}

// StartAttachSession implements SessionStarter: the one-time handoff from
// the attach listener once a debuggee is found.
func (s *Server) StartAttachSession(debuggee *adt.Debuggee, connID string) {
	ctx := context.Background()
	client, _ := s.debugState()
	if client == nil {
		return
	}
	if err := client.Attach(ctx, debuggee.ID); err != nil {
		s.log.Errorf("attaching to debuggee %s: %v", debuggee.ID, err)
		s.send(&dap.OutputEvent{
			Event: *newEvent("output"),
			Body:  dap.OutputEventBody{Category: "stderr", Output: fmt.Sprintf("ERROR: attaching to debuggee: %v\n", err)},
		})
		return
	}
	session := NewSession(client, connID, s.config.TableChunkSize, s.config.MaxBatchRequests)
	s.stateMu.Lock()
	s.session = session
	s.stateMu.Unlock()
	sessions.touch(session)

	e := &dap.StoppedEvent{Event: *newEvent("stopped")}
	e.Body.Reason = "breakpoint"
	e.Body.ThreadId = defaultThreadID
	e.Body.AllThreadsStopped = true
	e.Body.Description = debuggee.Program
	s.send(e)
}

// onDisconnectRequest disconnects the debuggee and signals that the bridge
// can be terminated.
func (s *Server) onDisconnectRequest(ctx context.Context, request *dap.DisconnectRequest) {
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	s.listeners.StopAll()
	client, session := s.debugState()
	if client != nil {
		if err := client.Detach(ctx); err != nil {
			s.log.Error(err)
		}
	}
	if session != nil {
		sessions.drop(session.connID)
	}
	s.signalDisconnect()
}

func (s *Server) onSetBreakpointsRequest(ctx context.Context, request *dap.SetBreakpointsRequest) {
	path := request.Arguments.Source.Path
	if path == "" {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set breakpoints", "empty file path")
		return
	}
	lines := make([]int, 0, len(request.Arguments.Breakpoints))
	for _, b := range request.Arguments.Breakpoints {
		lines = append(lines, b.Line)
	}
	sort.Ints(lines)
	s.breakpoints.SetFileBreakpoints(s.config.Connection.Name, path, lines)
	// Push the change to every active listener session.
	s.listeners.BreakpointsChanged(ctx)
	if client, session := s.debugState(); client != nil && session != nil {
		if err := s.breakpoints.Sync(ctx, s.config.Connection.Name, client); err != nil {
			s.log.Errorf("breakpoint sync: %v", err)
		}
	}

	response := &dap.SetBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(lines))
	for i, line := range lines {
		response.Body.Breakpoints[i] = dap.Breakpoint{Verified: true, Line: line, Source: &request.Arguments.Source}
	}
	s.send(response)
}

func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	name := "Debuggee"
	if s.config.Connection.Name != "" {
		name = s.config.Connection.Name
	}
	response := &dap.ThreadsResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: defaultThreadID, Name: name}}},
	}
	s.send(response)
}

func (s *Server) onStackTraceRequest(ctx context.Context, request *dap.StackTraceRequest) {
	client, session := s.debugState()
	if session == nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", "no debuggee attached")
		return
	}
	stack, err := client.StackTrace(ctx)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", err.Error())
		return
	}
	session.setStack(stack)

	frames := make([]dap.StackFrame, len(stack))
	for i, entry := range stack {
		frames[i] = dap.StackFrame{
			Id:   encodeFrameID(defaultThreadID, i),
			Name: entry.Description,
			Line: entry.Line,
		}
		if entry.Source.URI != "" {
			frames[i].Source = &dap.Source{Name: entry.Source.Name, Path: entry.Source.URI}
		}
	}
	response := &dap.StackTraceResponse{
		Response: *newResponse(request.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: frames, TotalFrames: len(frames)},
	}
	s.send(response)
}

func (s *Server) onScopesRequest(ctx context.Context, request *dap.ScopesRequest) {
	_, session := s.debugState()
	if session == nil {
		s.sendErrorResponse(request.Request, UnableToListScopes, "Unable to list scopes", "no debuggee attached")
		return
	}
	response := &dap.ScopesResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ScopesResponseBody{Scopes: session.Scopes(ctx, request.Arguments.FrameId)},
	}
	s.send(response)
}

func (s *Server) onVariablesRequest(ctx context.Context, request *dap.VariablesRequest) {
	response := &dap.VariablesResponse{Response: *newResponse(request.Request)}
	_, session := s.debugState()
	if session == nil {
		response.Body.Variables = []dap.Variable{}
		s.send(response)
		return
	}
	args := request.Arguments

	// A windowed request on a table is served through the paginated
	// slice fetcher instead of synthesizing every row.
	if args.Count > 0 {
		if desc, ok := session.handles.get(args.VariablesReference); ok && desc.metaType == adt.MetaTable {
			rows := session.TableSlice(ctx, desc, args.Start, args.Count)
			response.Body.Variables = renderRows(rows, args.Start)
			s.send(response)
			return
		}
	}

	response.Body.Variables = session.Variables(ctx, args.VariablesReference)
	s.send(response)
}

// renderRows flattens fetched table rows for display.
func renderRows(rows []map[string]string, start int) []dap.Variable {
	out := make([]dap.Variable, len(rows))
	for i, row := range rows {
		names := make([]string, 0, len(row))
		for name := range row {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, name+"="+row[name])
		}
		out[i] = dap.Variable{
			Name:  strconv.Itoa(start + i + 1),
			Value: strings.Join(parts, ", "),
		}
	}
	return out
}

func (s *Server) onEvaluateRequest(ctx context.Context, request *dap.EvaluateRequest) {
	_, session := s.debugState()
	if session == nil {
		s.sendErrorResponse(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", "no active debug session")
		return
	}
	result, err := session.Evaluate(ctx, request.Arguments.Expression, request.Arguments.FrameId)
	if err != nil {
		s.sendErrorResponse(request.Request, UnableToEvaluateExpression, "Unable to evaluate expression", err.Error())
		return
	}
	response := &dap.EvaluateResponse{Response: *newResponse(request.Request)}
	response.Body = dap.EvaluateResponseBody{
		Result:             result.Value,
		Type:               result.TypeTag,
		VariablesReference: result.Handle,
	}
	s.send(response)
}

func (s *Server) onSetVariableRequest(ctx context.Context, request *dap.SetVariableRequest) {
	_, session := s.debugState()
	if session == nil {
		s.sendErrorResponse(request.Request, UnableToSetVariable, "Unable to set variable", "no active debug session")
		return
	}
	value, ok := session.SetVariable(ctx, request.Arguments.VariablesReference, request.Arguments.Name, request.Arguments.Value)
	if !ok {
		s.sendErrorResponse(request.Request, UnableToSetVariable, "Unable to set variable",
			fmt.Sprintf("the remote debugger rejected the new value of %q", request.Arguments.Name))
		return
	}
	response := &dap.SetVariableResponse{Response: *newResponse(request.Request)}
	response.Body = dap.SetVariableResponseBody{Value: value}
	s.send(response)
}

// doStep forwards one execution control action to the remote debugger and
// reports the new stop. Every step invalidates all variable handles of the
// stopped thread; the front-end re-requests what it still shows.
func (s *Server) doStep(ctx context.Context, mode adt.StepMode) {
	client, session := s.debugState()
	if session == nil || client == nil {
		return
	}
	session.invalidateThread(defaultThreadID)
	step, err := client.Step(ctx, mode, "")
	if err != nil {
		s.log.Errorf("step %s: %v", mode, err)
		e := &dap.StoppedEvent{Event: *newEvent("stopped")}
		e.Body.Reason = "error"
		e.Body.Text = err.Error()
		e.Body.ThreadId = defaultThreadID
		e.Body.AllThreadsStopped = true
		s.send(e)
		return
	}
	if step.Exited {
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
		return
	}
	reason := step.Reason
	if reason == "" {
		reason = "step"
	}
	e := &dap.StoppedEvent{Event: *newEvent("stopped")}
	e.Body.Reason = reason
	e.Body.ThreadId = defaultThreadID
	e.Body.AllThreadsStopped = true
	s.send(e)
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{
		Id:     id,
		Format: fmt.Sprintf("%s: %s", summary, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

// sendInternalErrorResponse sends an "internal error" response back to the
// client. We only take a seq here because we don't want to make assumptions
// about the kind of message received by the server that this error is a
// reply to.
func (s *Server) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error = &dap.ErrorMessage{
		Id:     InternalError,
		Format: fmt.Sprintf("%s: %s", er.Message, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}
