// Package jsonrpcserver frames JSON-RPC 2.0 over a newline-delimited
// duplex byte stream (normally stdio), dispatches requests into the agent
// core, and forwards session/update notifications from the bus to the
// writer. The request/notification discipline lives here and only here: a
// message without an id never gets a response, and session/cancel never
// gets one even when the peer attaches an id.
package jsonrpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/claude-acp-proxy/internal/apperr"
	"github.com/kandev/claude-acp-proxy/internal/logging"
	"github.com/kandev/claude-acp-proxy/internal/notify"
)

// Agent is the surface the server dispatches into; agentcore.Core
// implements it.
type Agent interface {
	Initialize(ctx context.Context, req acp.InitializeRequest) (acp.InitializeResponse, error)
	Authenticate(ctx context.Context, req acp.AuthenticateRequest) (acp.AuthenticateResponse, error)
	NewSession(ctx context.Context, req acp.NewSessionRequest) (acp.NewSessionResponse, error)
	LoadSession(ctx context.Context, req acp.LoadSessionRequest) (acp.LoadSessionResponse, error)
	Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error)
	Cancel(ctx context.Context, n acp.CancelNotification) error
	SetSessionMode(ctx context.Context, req acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error)
	SetSessionModel(ctx context.Context, req acp.UnstableSetSessionModelRequest) (acp.UnstableSetSessionModelResponse, error)
	ExtMethod(ctx context.Context, method string, params json.RawMessage) (any, error)
	ExtNotification(ctx context.Context, method string, params json.RawMessage) error
}

// Server runs one JSON-RPC connection.
type Server struct {
	reader io.Reader
	writer io.Writer
	agent  Agent
	bus    *notify.Bus
	logger *logging.Logger

	// writeMu serialises every wire write; responses and notifications
	// never interleave at the byte level.
	writeMu sync.Mutex

	// Outbound request plumbing for agent->client calls such as
	// session/request_permission.
	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	// Flush barrier: a response is written only after the forwarder has
	// written every notification published before the handler returned.
	flushMu       sync.Mutex
	flushCond     *sync.Cond
	written       int64
	forwarderDone bool

	// shutdown is closed when the read loop ends (reader EOF); the
	// forwarder drains and exits.
	shutdown chan struct{}
}

// NewServer wires a Server over the given duplex stream.
func NewServer(reader io.Reader, writer io.Writer, agent Agent, bus *notify.Bus, log *logging.Logger) *Server {
	s := &Server{
		reader:   reader,
		writer:   writer,
		agent:    agent,
		bus:      bus,
		logger:   log.WithFields(zap.String("component", "jsonrpc")),
		pending:  make(map[int64]chan *Response),
		shutdown: make(chan struct{}),
	}
	s.flushCond = sync.NewCond(&s.flushMu)
	return s
}

// Serve runs the read loop and the notification forwarder until reader EOF
// or a fatal writer error. The two tasks are joined through the shutdown
// channel: when the reader ends, the forwarder drains what is queued and
// stops.
func (s *Server) Serve(ctx context.Context) error {
	// Subscribe before any request can run, so nothing published by a
	// handler is ever missed by the forwarder.
	ch, unsubscribe := s.bus.Subscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer unsubscribe()
		s.forwardNotifications(ctx, ch)
		return nil
	})
	g.Go(func() error {
		err := s.readLoop(ctx)
		close(s.shutdown)
		return err
	})
	return g.Wait()
}

func (s *Server) forwardNotifications(ctx context.Context, ch <-chan acp.SessionNotification) {
	defer func() {
		s.flushMu.Lock()
		s.forwarderDone = true
		s.flushCond.Broadcast()
		s.flushMu.Unlock()
	}()

	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			s.writeSessionUpdate(n)
		case <-s.shutdown:
			// Reader is gone; drain what is already queued, then stop.
			for {
				select {
				case n, ok := <-ch:
					if !ok {
						return
					}
					s.writeSessionUpdate(n)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeSessionUpdate(n acp.SessionNotification) {
	if err := s.writeNotification("session/update", n); err != nil {
		s.logger.Error("failed to write session/update", zap.Error(err))
	}
	s.flushMu.Lock()
	s.written++
	s.flushCond.Broadcast()
	s.flushMu.Unlock()
}

// waitFlushed blocks until the forwarder has written at least target
// notifications, or has exited.
func (s *Server) waitFlushed(target int64) {
	s.flushMu.Lock()
	for s.written < target && !s.forwarderDone {
		s.flushCond.Wait()
	}
	s.flushMu.Unlock()
}

func (s *Server) readLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.dispatchLine(ctx, append([]byte(nil), line...))
	}
	return scanner.Err()
}

func (s *Server) dispatchLine(ctx context.Context, line []byte) {
	var msg struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		// An unparseable line has an unknowable id; answer with a null-id
		// parse error per JSON-RPC 2.0.
		s.logger.Warn("unparseable message", zap.Error(err))
		s.writeErrorResponse(nil, &Error{Code: apperr.CodeParseError, Message: "Parse error"})
		return
	}

	hasID := msg.ID != nil
	hasMethod := msg.Method != ""

	switch {
	case hasID && !hasMethod && (msg.Result != nil || msg.Error != nil):
		// A response to one of our outbound requests.
		s.handleCallResponse(&Response{JSONRPC: "2.0", ID: msg.ID, Result: msg.Result, Error: msg.Error})

	case hasMethod && (!hasID || alwaysNotification(msg.Method)):
		// A notification, or a method that is notification-shaped by
		// mandate even when the peer attaches an id.
		go s.handleNotification(ctx, msg.Method, msg.Params)

	case hasMethod:
		go s.handleRequest(ctx, msg.ID, msg.Method, msg.Params)

	default:
		if hasID {
			s.writeErrorResponse(msg.ID, &Error{Code: apperr.CodeInvalidRequest, Message: "Invalid request"})
		} else {
			s.logger.Warn("dropping message with neither method nor result")
		}
	}
}

// alwaysNotification names the methods that never get a response, id or
// not: session/cancel by ACP mandate, editor/update_buffers by this
// agent's extension contract.
func alwaysNotification(method string) bool {
	return method == "session/cancel" || method == "editor/update_buffers"
}

func (s *Server) handleRequest(ctx context.Context, id any, method string, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", zap.String("method", method), zap.Any("panic", r))
			s.writeErrorResponse(id, &Error{Code: apperr.CodeInternalError, Message: "Internal error"})
		}
	}()

	result, err := s.dispatchRequest(ctx, method, params)

	// Everything the handler published must reach the wire first.
	s.waitFlushed(s.bus.PublishedCount())

	if err != nil {
		s.writeErrorResponse(id, toWireError(err))
		return
	}
	s.writeResultResponse(id, result)
}

func (s *Server) dispatchRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "initialize":
		var req acp.InitializeRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.agent.Initialize(ctx, req)
	case "authenticate":
		var req acp.AuthenticateRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.agent.Authenticate(ctx, req)
	case "session/new":
		var req acp.NewSessionRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.agent.NewSession(ctx, req)
	case "session/load":
		var req acp.LoadSessionRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		if _, err := s.agent.LoadSession(ctx, req); err != nil {
			return nil, err
		}
		return nullResult, nil
	case "session/prompt":
		var req acp.PromptRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.agent.Prompt(ctx, req)
	case "session/set_mode":
		var req acp.SetSessionModeRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.agent.SetSessionMode(ctx, req)
	case "session/set_model":
		var req acp.UnstableSetSessionModelRequest
		if err := unmarshalParams(params, &req); err != nil {
			return nil, err
		}
		return s.agent.SetSessionModel(ctx, req)
	default:
		if strings.HasPrefix(method, "_") {
			return s.agent.ExtMethod(ctx, method, params)
		}
		return nil, &Error{Code: apperr.CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", method)}
	}
}

func (s *Server) handleNotification(ctx context.Context, method string, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notification handler panic", zap.String("method", method), zap.Any("panic", r))
		}
	}()

	var err error
	switch method {
	case "session/cancel":
		var n acp.CancelNotification
		if err = json.Unmarshal(params, &n); err == nil {
			err = s.agent.Cancel(ctx, n)
		}
	default:
		err = s.agent.ExtNotification(ctx, method, params)
	}
	if err != nil {
		// Notifications never get responses, not even on failure.
		s.logger.Warn("notification handling failed", zap.String("method", method), zap.Error(err))
	}
}

// Call sends an agent->client request and waits for the matching response.
func (s *Server) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.nextID.Add(1)

	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	respCh := make(chan *Response, 1)
	s.pendingMu.Lock()
	s.pending[id] = respCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.writeMessage(&Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.shutdown:
		return nil, errors.New("connection closed")
	}
}

func (s *Server) handleCallResponse(resp *Response) {
	id, ok := normalizeID(resp.ID)
	if !ok {
		s.logger.Warn("response with non-numeric id", zap.Any("id", resp.ID))
		return
	}
	s.pendingMu.Lock()
	ch, found := s.pending[id]
	s.pendingMu.Unlock()
	if !found {
		s.logger.Warn("response for unknown request", zap.Int64("id", id))
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// normalizeID maps JSON-decoded ids back to the int64s we issue.
func normalizeID(id any) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func unmarshalParams(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &Error{
			Code:    apperr.CodeInvalidParams,
			Message: "invalid params",
			Data:    map[string]any{"error": err.Error()},
		}
	}
	return nil
}

// toWireError converts handler errors to the wire error object. Typed
// apperr values carry their own code and structured data; anything else is
// an internal error with a generic message.
func toWireError(err error) *Error {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return &Error{Code: appErr.RPCCode, Message: appErr.Message, Data: appErr.Data}
	}
	return &Error{Code: apperr.CodeInternalError, Message: "Internal error"}
}

func (s *Server) writeResultResponse(id any, result any) {
	var raw json.RawMessage
	switch v := result.(type) {
	case nil:
		raw = nullResult
	case json.RawMessage:
		raw = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("failed to marshal result", zap.Error(err))
			s.writeErrorResponse(id, &Error{Code: apperr.CodeInternalError, Message: "Internal error"})
			return
		}
		raw = data
	}
	if err := s.writeMessage(&Response{JSONRPC: "2.0", ID: id, Result: raw}); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

func (s *Server) writeErrorResponse(id any, wireErr *Error) {
	if err := s.writeMessage(&Response{JSONRPC: "2.0", ID: id, Error: wireErr}); err != nil {
		s.logger.Error("failed to write error response", zap.Error(err))
	}
}

func (s *Server) writeNotification(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return s.writeMessage(&Notification{JSONRPC: "2.0", Method: method, Params: raw})
}

func (s *Server) writeMessage(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.writer.Write(data)
	return err
}
