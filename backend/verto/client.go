// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verto

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/callbridge/backend"
	"github.com/bureau-foundation/callbridge/conference"
	"github.com/bureau-foundation/callbridge/lib/clock"
	"github.com/bureau-foundation/callbridge/lib/netutil"
	"github.com/bureau-foundation/callbridge/lib/secret"
	"github.com/bureau-foundation/callbridge/lib/version"
)

// DefaultReconnectDelay is the pause before each reconnect attempt.
const DefaultReconnectDelay = 30 * time.Second

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	inboundQueue     = 64
)

// Config holds the parameters of a Verto client.
type Config struct {
	// URL is the switch's Verto WebSocket (e.g., "wss://pbx:8082").
	URL string

	// Login is the Verto user, usually "user@domain".
	Login string

	// Password is read at each login. The client does not close it.
	Password *secret.Buffer

	// DialogParams is the template copied into every invite and bye.
	DialogParams map[string]any

	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// Handler receives answers and hangups from the switch. Required.
	Handler backend.Handler

	// Clock times reconnect delays. Nil uses clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Client is a backend.Transport speaking Verto.
type Client struct {
	url          string
	login        string
	password     *secret.Buffer
	dialogParams map[string]any
	delay        time.Duration
	handler      backend.Handler
	clock        clock.Clock
	logger       *slog.Logger
	sessionID    string
	dialer       websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inbound chan message

	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	nextID   uint64
	pending  map[uint64]*pendingRequest
	quiet    bool
	loggedIn bool
	closed   bool
}

type pendingRequest struct {
	conn   *websocket.Conn
	result chan rpcResult
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

var _ backend.Transport = (*Client)(nil)

// New creates a client. It does not connect; call Login.
func New(config Config) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("verto: URL is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("verto: Handler is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	delay := config.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		url:          config.URL,
		login:        config.Login,
		password:     config.Password,
		dialogParams: config.DialogParams,
		delay:        delay,
		handler:      config.Handler,
		clock:        clk,
		logger:       logger.With("verto_url", config.URL),
		sessionID:    uuid.NewString(),
		dialer:       websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		ctx:          ctx,
		cancel:       cancel,
		inbound:      make(chan message, inboundQueue),
		pending:      make(map[uint64]*pendingRequest),
	}

	client.wg.Add(1)
	go client.dispatch()
	return client, nil
}

// SessionID returns the sessid sent with every request.
func (c *Client) SessionID() string { return c.sessionID }

// Connected reports whether the socket is up and logged in.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.loggedIn
}

// Login dials the switch and performs the login handshake. On failure
// the reconnect loop is started and the error returned.
func (c *Client) Login(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		c.triggerReconnect()
		return err
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	header := http.Header{"User-Agent": {version.UserAgent()}}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("verto: dialing %s: %w", c.url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("verto: client closed")
	}
	previous := c.conn
	c.conn = conn
	c.loggedIn = false
	c.wg.Add(1)
	c.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	c.logger.Info("verto socket opened")
	go c.readLoop(conn)

	password := ""
	if c.password != nil {
		password = c.password.String()
	}
	params := loginParams{Login: c.login, Password: password, SessID: c.sessionID}
	if _, err := c.call(ctx, methodLogin, params); err != nil {
		conn.Close()
		return fmt.Errorf("verto: login as %s: %w", c.login, err)
	}

	c.mu.Lock()
	c.quiet = false
	c.loggedIn = true
	c.mu.Unlock()
	c.logger.Info("verto login complete", "login", c.login, "sessid", c.sessionID)
	return nil
}

// SendInvite sends verto.invite for leg and waits for the switch's
// result.
func (c *Client) SendInvite(ctx context.Context, call *conference.Call, leg *conference.Leg, sdp string) error {
	params := inviteParams{
		SDP:          sdp,
		DialogParams: dialogParams(c.dialogParams, leg.BackendCallID, call.Extension.String(), leg.UserID.String()),
		SessID:       c.sessionID,
	}
	if _, err := c.call(ctx, methodInvite, params); err != nil {
		return err
	}
	return nil
}

// SendBye sends verto.bye for leg.
func (c *Client) SendBye(ctx context.Context, call *conference.Call, leg *conference.Leg) error {
	params := byeParams{
		DialogParams: dialogParams(c.dialogParams, leg.BackendCallID, call.Extension.String(), leg.UserID.String()),
		SessID:       c.sessionID,
	}
	if _, err := c.call(ctx, methodBye, params); err != nil {
		return err
	}
	return nil
}

// Close drops the socket, fails in-flight requests and stops the
// reconnect loop. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.wg.Wait()
	return nil
}

// call sends a request on the current socket and waits for its
// response.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, ErrDisconnected)
	}
	c.nextID++
	id := c.nextID
	waiter := &pendingRequest{conn: conn, result: make(chan rpcResult, 1)}
	c.pending[id] = waiter
	c.mu.Unlock()

	if err := c.write(conn, request{JSONRPC: "2.0", Method: method, Params: params, ID: id}); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("verto: sending %s: %w", method, err)
	}
	c.logger.Debug("verto request sent", "method", method, "id", id)

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("verto: %s: %w", method, ctx.Err())
	case result := <-waiter.result:
		if result.err != nil {
			return nil, result.err
		}
		return result.result, nil
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(conn *websocket.Conn, value any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(value)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(conn, err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var envelope message
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Warn("dropping unparseable verto message", "error", err, "size", len(data))
		return
	}

	if envelope.Method == "" {
		c.resolve(envelope)
		return
	}

	select {
	case c.inbound <- envelope:
	case <-c.ctx.Done():
	}
}

// resolve hands a response to the request waiting for its id.
func (c *Client) resolve(envelope message) {
	id, err := strconv.ParseUint(string(bytes.Trim(envelope.ID, `"`)), 10, 64)
	if err != nil {
		c.logger.Warn("dropping verto response with unusable id", "id", string(envelope.ID))
		return
	}

	c.mu.Lock()
	waiter, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("verto response for unknown request", "id", id)
		return
	}

	if envelope.Error != nil {
		waiter.result <- rpcResult{err: envelope.Error}
		return
	}
	waiter.result <- rpcResult{result: envelope.Result}
}

// connectionLost fails the requests sent on conn and starts the
// reconnect loop.
func (c *Client) connectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	for id, waiter := range c.pending {
		if waiter.conn == conn {
			waiter.result <- rpcResult{err: ErrDisconnected}
			delete(c.pending, id)
		}
	}
	current := c.conn == conn
	if current {
		c.conn = nil
		c.loggedIn = false
	}
	closed := c.closed
	c.mu.Unlock()
	conn.Close()

	if closed || !current {
		return
	}
	if netutil.IsExpectedCloseError(cause) || websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Warn("verto socket closed", "error", cause)
	} else {
		c.logger.Error("verto socket failed", "error", cause)
	}
	c.triggerReconnect()
}

// triggerReconnect starts the reconnect loop unless one is already
// running.
func (c *Client) triggerReconnect() {
	c.mu.Lock()
	if c.closed || c.quiet {
		c.mu.Unlock()
		return
	}
	c.quiet = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	for attempt := 1; ; attempt++ {
		c.logger.Info("verto reconnect scheduled", "delay", c.delay, "attempt", attempt)
		select {
		case <-c.ctx.Done():
			return
		case <-c.clock.After(c.delay):
		}

		err := c.connect(c.ctx)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Error("verto reconnect failed", "error", err, "attempt", attempt)
	}
}

// dispatch handles requests from the switch one at a time, in order.
func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case envelope := <-c.inbound:
			c.handleRequest(envelope)
		}
	}
}

func (c *Client) handleRequest(envelope message) {
	switch envelope.Method {
	case methodAnswer:
		var params answerParams
		if err := json.Unmarshal(envelope.Params, &params); err != nil || params.CallID == "" || params.SDP == "" {
			c.logger.Warn("dropping verto.answer without callID and sdp", "error", err)
			return
		}
		event := backend.Answer{BackendCallID: params.CallID, SDP: params.SDP}
		if err := c.handler.HandleBackendEvent(c.ctx, event); err != nil {
			c.logger.Error("forwarding answer failed", "backend_call_id", params.CallID, "error", err)
			return
		}
		c.respond(envelope.ID, map[string]string{"method": methodAnswer})

	case methodBye:
		var params inboundByeParams
		if err := json.Unmarshal(envelope.Params, &params); err != nil || params.CallID == "" {
			c.logger.Warn("dropping verto.bye without callID", "error", err)
			return
		}
		event := backend.Hangup{BackendCallID: params.CallID, Cause: params.Cause}
		if err := c.handler.HandleBackendEvent(c.ctx, event); err != nil {
			c.logger.Error("forwarding hangup failed", "backend_call_id", params.CallID, "error", err)
		}

	default:
		c.logger.Debug("ignoring verto request", "method", envelope.Method)
	}
}

func (c *Client) respond(id json.RawMessage, result any) {
	if len(id) == 0 {
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Warn("cannot acknowledge verto request while disconnected")
		return
	}
	if err := c.write(conn, response{JSONRPC: "2.0", Result: result, ID: id}); err != nil {
		c.logger.Warn("acknowledging verto request failed", "error", err)
	}
}
