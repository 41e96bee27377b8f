package claudeproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/claude-acp-proxy/internal/logging"
)

// RequestHandler handles incoming control requests from the claude CLI.
// It receives the request ID and control request, and should call
// SendControlResponse.
type RequestHandler func(requestID string, req *ControlRequest)

// MessageHandler handles streaming messages from the claude CLI.
type MessageHandler func(msg *CLIMessage)

// pendingRequest tracks a control request waiting for a response.
type pendingRequest struct {
	ch chan *IncomingControlResponse
}

// StreamClient speaks the stream-json dialect over a single claude CLI
// child process's stdin/stdout. Writes are serialised by writeMu: the
// prompt turn, permission answers, and interrupt requests all write to
// the same stdin from different goroutines, and two interleaved writes
// would splice two JSON lines together and corrupt the stream. Reads are
// serialised by the single readLoop goroutine.
type StreamClient struct {
	stdin   io.Writer
	writeMu sync.Mutex
	stdout  io.Reader
	logger  *logging.Logger

	requestHandler RequestHandler
	messageHandler MessageHandler

	pendingRequests   map[string]*pendingRequest
	pendingRequestsMu sync.Mutex

	mu       sync.RWMutex
	done     chan struct{}
	loopDone chan struct{}
}

// NewStreamClient wraps a claude CLI child process's stdin/stdout pipes.
func NewStreamClient(stdin io.Writer, stdout io.Reader, log *logging.Logger) *StreamClient {
	return &StreamClient{
		stdin:           stdin,
		stdout:          stdout,
		logger:          log.WithFields(zap.String("component", "claudeproc-client")),
		done:            make(chan struct{}),
		loopDone:        make(chan struct{}),
		pendingRequests: make(map[string]*pendingRequest),
	}
}

// SetRequestHandler sets the handler for incoming control requests.
func (c *StreamClient) SetRequestHandler(handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandler = handler
}

// SetMessageHandler sets the handler for streaming messages.
func (c *StreamClient) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start begins reading from stdout in a goroutine. Returns a channel
// that is closed once the read loop is ready to receive lines.
func (c *StreamClient) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop ends the read loop.
func (c *StreamClient) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Initialize sends the initialize control request and waits for the
// response, required in stream-json mode to learn the CLI's available
// slash commands.
func (c *StreamClient) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResponseData, error) {
	requestID := uuid.New().String()

	pending := &pendingRequest{ch: make(chan *IncomingControlResponse, 1)}
	c.pendingRequestsMu.Lock()
	c.pendingRequests[requestID] = pending
	c.pendingRequestsMu.Unlock()
	defer func() {
		c.pendingRequestsMu.Lock()
		delete(c.pendingRequests, requestID)
		c.pendingRequestsMu.Unlock()
	}()

	req := &SDKControlRequest{
		Type:      MessageTypeControlRequest,
		RequestID: requestID,
		Request:   SDKControlRequestBody{Subtype: SubtypeInitialize},
	}

	c.logger.Debug("sending initialize control request", zap.String("request_id", requestID))
	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("failed to send initialize request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("initialize request timed out after %v", timeout)
	case resp := <-pending.ch:
		if resp.Subtype == "error" {
			return nil, fmt.Errorf("initialize failed: %s", resp.Error)
		}
		return resp.Response, nil
	}
}

// SendControlRequest sends an outbound control request, e.g. interrupt.
func (c *StreamClient) SendControlRequest(req *SDKControlRequest) error {
	return c.send(req)
}

// SendControlResponse answers an inbound control_request, e.g. a
// can_use_tool permission decision.
func (c *StreamClient) SendControlResponse(resp *ControlResponseMessage) error {
	return c.send(resp)
}

// SendUserMessage writes one user-role prompt line to the CLI's stdin.
// content is a pre-marshalled JSON array of stream-json content items,
// built by ProtocolTranslator.
func (c *StreamClient) SendUserMessage(content json.RawMessage) error {
	msg := &UserMessage{
		Type:    MessageTypeUser,
		Message: UserMessageBody{Role: "user", Content: content},
	}
	return c.send(msg)
}

func (c *StreamClient) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// ReadLoopDone is closed when the stdout read loop exits, whether from
// EOF (the child exited) or an explicit Stop. A prompt turn selects on it
// to detect a child that died mid-turn.
func (c *StreamClient) ReadLoopDone() <-chan struct{} {
	return c.loopDone
}

func (c *StreamClient) readLoop(ctx context.Context, ready chan<- struct{}) {
	defer close(c.loopDone)
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *StreamClient) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse stream-json message", zap.Error(err))
		return
	}

	if msg.Type == MessageTypeControlRequest && msg.Request != nil {
		c.handleControlRequest(msg.RequestID, msg.Request)
		return
	}
	if msg.Type == MessageTypeControlResponse && msg.Response != nil {
		c.handleControlResponse(msg.Response)
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()
	if handler != nil {
		msg.RawContent = line
		handler(&msg)
	}
}

func (c *StreamClient) handleControlRequest(requestID string, req *ControlRequest) {
	c.mu.RLock()
	handler := c.requestHandler
	c.mu.RUnlock()

	if handler != nil {
		handler(requestID, req)
		return
	}

	c.logger.Warn("received control request but no handler registered",
		zap.String("request_id", requestID), zap.String("subtype", req.Subtype))
	if err := c.SendControlResponse(&ControlResponseMessage{
		Type:      MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &ControlResponse{Subtype: "error", Error: "no handler registered"},
	}); err != nil {
		c.logger.Warn("failed to send error response", zap.Error(err))
	}
}

func (c *StreamClient) handleControlResponse(resp *IncomingControlResponse) {
	c.pendingRequestsMu.Lock()
	pending, ok := c.pendingRequests[resp.RequestID]
	c.pendingRequestsMu.Unlock()

	if !ok {
		c.logger.Warn("received control response for unknown request",
			zap.String("request_id", resp.RequestID))
		return
	}

	select {
	case pending.ch <- resp:
	default:
		c.logger.Warn("pending request channel full", zap.String("request_id", resp.RequestID))
	}
}
