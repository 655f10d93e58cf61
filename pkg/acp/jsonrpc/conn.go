package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic-ai/kbot/internal/common/logger"
)

const defaultRequestTimeout = 60 * time.Second

// RequestHandler receives inbound requests. Handlers reply via Respond or
// RespondError using the request id.
type RequestHandler func(req *Request)

// NotificationHandler receives inbound notifications.
type NotificationHandler func(method string, params json.RawMessage)

// UnmatchedHandler receives responses whose id matches no pending request.
type UnmatchedHandler func(resp *Response)

// ErrorHandler receives transport-level read failures.
type ErrorHandler func(err error)

// Conn speaks line-delimited JSON-RPC 2.0 over a byte stream pair.
// Outbound requests are correlated by monotonically increasing integer ids
// starting at 1. Every outbound request carries a timeout; the timer is reset
// whenever any inbound request or notification arrives, so a busy agent that
// is still streaming activity never times out mid-turn.
type Conn struct {
	w io.Writer
	r io.Reader

	logger *logger.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool

	defaultTimeout time.Duration
	methodTimeouts map[string]time.Duration

	onRequest      RequestHandler
	onNotification NotificationHandler
	onUnmatched    UnmatchedHandler
	onError        ErrorHandler

	closeOnce sync.Once
	done      chan struct{}
}

type pendingCall struct {
	method  string
	timeout time.Duration
	timer   *time.Timer
	ch      chan callResult
	silent  bool
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Option configures a Conn.
type Option func(*Conn)

// WithDefaultTimeout sets the timeout applied to every outbound request that
// has no per-method or per-call override.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Conn) { c.defaultTimeout = d }
}

// WithMethodTimeout overrides the timeout for a specific method.
func WithMethodTimeout(method string, d time.Duration) Option {
	return func(c *Conn) { c.methodTimeouts[method] = d }
}

// CallOption configures a single Call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	silent  bool
}

// WithTimeout overrides the timeout for this call only.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Silent suppresses logging when the call fails with method-not-found.
// The caller still receives the error.
func Silent() CallOption {
	return func(o *callOptions) { o.silent = true }
}

// NewConn creates a Conn over the given streams. Call Start to begin reading.
func NewConn(r io.Reader, w io.Writer, log *logger.Logger, opts ...Option) *Conn {
	c := &Conn{
		w:              w,
		r:              r,
		logger:         log.WithFields(zap.String("component", "jsonrpc")),
		pending:        make(map[string]*pendingCall),
		defaultTimeout: defaultRequestTimeout,
		methodTimeouts: make(map[string]time.Duration),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnRequest sets the handler for inbound requests.
func (c *Conn) OnRequest(h RequestHandler) { c.onRequest = h }

// OnNotification sets the handler for inbound notifications.
func (c *Conn) OnNotification(h NotificationHandler) { c.onNotification = h }

// OnUnmatched sets the handler for responses with no pending request.
func (c *Conn) OnUnmatched(h UnmatchedHandler) { c.onUnmatched = h }

// OnError sets the handler for transport read failures.
func (c *Conn) OnError(h ErrorHandler) { c.onError = h }

// Start begins the read loop.
func (c *Conn) Start() {
	go c.readLoop()
}

// Done is closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Call sends a request and blocks until the matching response, a timeout,
// context cancellation, or connection close.
func (c *Conn) Call(ctx context.Context, method string, params interface{}, opts ...CallOption) (json.RawMessage, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	timeout := co.timeout
	if timeout <= 0 {
		if d, ok := c.methodTimeouts[method]; ok {
			timeout = d
		} else {
			timeout = c.defaultTimeout
		}
	}

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	id := c.nextID.Add(1)
	key := strconv.FormatInt(id, 10)

	call := &pendingCall{
		method:  method,
		timeout: timeout,
		ch:      make(chan callResult, 1),
		silent:  co.silent,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, NewError(CodeConnClosed, "connection closed")
	}
	c.pending[key] = call
	call.timer = time.AfterFunc(timeout, func() { c.expire(key) })
	c.mu.Unlock()

	req := &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  paramsJSON,
	}
	if err := c.writeMessage(req); err != nil {
		c.dropPending(key)
		return nil, err
	}

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-ctx.Done():
		c.dropPending(key)
		return nil, ctx.Err()
	}
}

// Notify sends a notification. Notifications carry no id and never match a
// response.
func (c *Conn) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return c.writeMessage(&Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  paramsJSON,
	})
}

// Respond answers an inbound request with a result.
func (c *Conn) Respond(id interface{}, result interface{}) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return c.writeMessage(&Response{
		JSONRPC: Version,
		ID:      id,
		Result:  resultJSON,
	})
}

// RespondError answers an inbound request with an error. A nil id produces
// the JSON null id used for parse and invalid-request errors.
func (c *Conn) RespondError(id interface{}, rpcErr *Error) error {
	return c.writeMessage(&Response{
		JSONRPC: Version,
		ID:      id,
		Error:   rpcErr,
	})
}

// Close shuts the connection down, rejecting all pending requests.
// Close is idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		calls := c.pending
		c.pending = make(map[string]*pendingCall)
		c.mu.Unlock()

		for _, call := range calls {
			call.timer.Stop()
			call.ch <- callResult{err: NewError(CodeConnClosed, "connection closed")}
		}

		if closer, ok := c.w.(io.Closer); ok {
			_ = closer.Close()
		}
		if closer, ok := c.r.(io.Closer); ok {
			_ = closer.Close()
		}

		close(c.done)
		c.logger.Debug("connection closed")
	})
}

func (c *Conn) writeMessage(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Conn) expire(key string) {
	c.mu.Lock()
	call, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	ms := call.timeout.Milliseconds()
	call.ch <- callResult{err: NewError(CodeRequestTimeout,
		fmt.Sprintf("request %q timed out after %dms", call.method, ms))}
}

func (c *Conn) dropPending(key string) {
	c.mu.Lock()
	if call, ok := c.pending[key]; ok {
		call.timer.Stop()
		delete(c.pending, key)
	}
	c.mu.Unlock()
}

// resetTimers restarts every pending request timer. Called on inbound
// requests and notifications: any traffic from the peer counts as a
// heartbeat, but responses to other requests do not.
func (c *Conn) resetTimers() {
	c.mu.Lock()
	for _, call := range c.pending {
		call.timer.Reset(call.timeout)
	}
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.r)
	// Streaming agent messages can be large.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		select {
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
		if c.onError != nil {
			c.onError(err)
		}
	}
	c.Close()
}

func (c *Conn) handleLine(line []byte) {
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}

	if err := json.Unmarshal(line, &raw); err != nil {
		c.logger.Warn("unparseable line", zap.ByteString("line", line))
		_ = c.RespondError(nil, NewError(CodeParseError, "Parse error"))
		return
	}

	hasID := len(raw.ID) > 0 && string(raw.ID) != "null"
	isResponse := len(raw.Result) > 0 || raw.Error != nil

	if raw.JSONRPC != Version || (raw.Method == "" && !isResponse) {
		// Copy the id through when one is present so the peer can correlate
		// the rejection.
		var id interface{}
		if hasID {
			_ = json.Unmarshal(raw.ID, &id)
		}
		c.logger.Warn("invalid request", zap.ByteString("line", line))
		_ = c.RespondError(id, NewError(CodeInvalidRequest, "Invalid Request"))
		return
	}

	switch {
	case raw.Method != "" && hasID:
		c.resetTimers()
		if c.onRequest != nil {
			var id interface{}
			_ = json.Unmarshal(raw.ID, &id)
			req := &Request{JSONRPC: raw.JSONRPC, ID: id, Method: raw.Method, Params: raw.Params}
			go c.onRequest(req)
		}

	case raw.Method != "":
		c.resetTimers()
		if c.onNotification != nil {
			go c.onNotification(raw.Method, raw.Params)
		}

	default:
		c.handleResponse(raw.ID, raw.Result, raw.Error)
	}
}

func (c *Conn) handleResponse(id json.RawMessage, result json.RawMessage, rpcErr *Error) {
	key := responseKey(id)

	c.mu.Lock()
	call, ok := c.pending[key]
	if ok {
		call.timer.Stop()
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown request", zap.ByteString("id", id))
		if c.onUnmatched != nil {
			var anyID interface{}
			_ = json.Unmarshal(id, &anyID)
			c.onUnmatched(&Response{JSONRPC: Version, ID: anyID, Result: result, Error: rpcErr})
		}
		return
	}

	if rpcErr != nil {
		if rpcErr.Code != CodeMethodNotFound || !call.silent {
			c.logger.Warn("request failed",
				zap.String("method", call.method),
				zap.Int("code", rpcErr.Code),
				zap.String("message", rpcErr.Message))
		}
		call.ch <- callResult{err: rpcErr}
		return
	}

	call.ch <- callResult{result: result}
}

// responseKey normalizes an inbound response id to match outbound keys.
// Outbound ids are integers; a numeric inbound id like 1 or 1.0 maps to "1".
func responseKey(id json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(id, &v); err != nil {
		return string(id)
	}
	switch n := v.(type) {
	case float64:
		return strconv.FormatInt(int64(n), 10)
	case string:
		return "s:" + n
	default:
		return string(id)
	}
}
