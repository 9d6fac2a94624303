// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/bureau-foundation/callbridge/backend"
	"github.com/bureau-foundation/callbridge/conference"
	"github.com/bureau-foundation/callbridge/lib/clock"
	"github.com/bureau-foundation/callbridge/lib/secret"
	"github.com/bureau-foundation/callbridge/lib/version"
)

const (
	// DefaultReconnectDelay is the pause before retrying a failed
	// registration.
	DefaultReconnectDelay = 30 * time.Second

	// DefaultExpires is the registration lifetime requested from the
	// registrar. The agent refreshes at half of it.
	DefaultExpires = 5 * time.Minute

	defaultPort = "5060"
)

// Config holds the parameters of a SIP user agent.
type Config struct {
	// Registrar is "host" or "host:port". REGISTER and INVITE are sent
	// there.
	Registrar string

	// Domain is the SIP domain of the agent's address of record and of
	// the extensions it dials.
	Domain string

	Username string

	// Password answers digest challenges. The client does not close it.
	Password *secret.Buffer

	// Transport is "udp" (default), "tcp" or "tls".
	Transport string

	// ListenHost is the host advertised in Via and Contact.
	ListenHost string

	// ListenAddr is the "host:port" on which the agent accepts BYE
	// from the switch. Its port is advertised in Contact. Empty leaves
	// the agent client-only. Not supported with tls.
	ListenAddr string

	// Expires defaults to DefaultExpires.
	Expires time.Duration

	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	// Handler receives answers and hangups. Required.
	Handler backend.Handler

	// Client overrides the sipgo client built by New.
	Client SIPClient

	// Clock times registration refresh and retry. Nil uses
	// clock.Real().
	Clock clock.Clock

	Logger *slog.Logger
}

// Client is a backend.Transport and backend.SessionOpener speaking SIP.
type Client struct {
	domain        string
	username      string
	password      *secret.Buffer
	transport     string
	registrarAddr string
	registrar     sip.Uri
	aor           sip.Uri
	contact       sip.Uri
	expires       time.Duration
	delay         time.Duration
	handler       backend.Handler
	clock         clock.Clock
	logger        *slog.Logger
	requester     requester

	// serve runs the inbound listener. Nil without ListenAddr.
	listenAddr string
	serve      func(ctx context.Context) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	sessions    map[string]*session
	registered  bool
	maintaining bool
	closed      bool
}

var (
	_ backend.Transport     = (*Client)(nil)
	_ backend.SessionOpener = (*Client)(nil)
)

// New creates a user agent. It does not register; call Login.
func New(config Config) (*Client, error) {
	if config.Client != nil {
		return newClient(config, &transactionRequester{client: config.Client})
	}

	agent, err := sipgo.NewUA(sipgo.WithUserAgent(version.UserAgent()))
	if err != nil {
		return nil, fmt.Errorf("sipua: creating user agent: %w", err)
	}
	var options []sipgo.ClientOption
	if config.ListenHost != "" {
		options = append(options, sipgo.WithClientHostname(config.ListenHost))
	}
	sipClient, err := sipgo.NewClient(agent, options...)
	if err != nil {
		agent.Close()
		return nil, fmt.Errorf("sipua: creating client: %w", err)
	}
	client, err := newClient(config, &transactionRequester{client: sipClient, agent: agent})
	if err != nil {
		sipClient.Close()
		agent.Close()
		return nil, err
	}
	if config.ListenAddr != "" {
		server, err := sipgo.NewServer(agent)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("sipua: creating server: %w", err)
		}
		server.OnBye(client.handleBye)
		client.serve = func(ctx context.Context) error {
			return server.ListenAndServe(ctx, client.transport, config.ListenAddr)
		}
	}
	return client, nil
}

func newClient(config Config, requester requester) (*Client, error) {
	if config.Registrar == "" {
		return nil, fmt.Errorf("sipua: Registrar is required")
	}
	if config.Domain == "" {
		return nil, fmt.Errorf("sipua: Domain is required")
	}
	if config.Username == "" {
		return nil, fmt.Errorf("sipua: Username is required")
	}
	if config.Handler == nil {
		return nil, fmt.Errorf("sipua: Handler is required")
	}
	transport := strings.ToLower(config.Transport)
	switch transport {
	case "":
		transport = "udp"
	case "udp", "tcp", "tls":
	default:
		return nil, fmt.Errorf("sipua: unsupported transport %q", config.Transport)
	}
	listenPort := 0
	if config.ListenAddr != "" {
		if transport == "tls" {
			return nil, fmt.Errorf("sipua: ListenAddr is not supported with tls")
		}
		_, port, err := net.SplitHostPort(config.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("sipua: ListenAddr %q: %w", config.ListenAddr, err)
		}
		if listenPort, err = strconv.Atoi(port); err != nil || listenPort <= 0 {
			return nil, fmt.Errorf("sipua: ListenAddr %q has no usable port", config.ListenAddr)
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	expires := config.Expires
	if expires <= 0 {
		expires = DefaultExpires
	}
	delay := config.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	registrarAddr := config.Registrar
	if _, _, err := net.SplitHostPort(registrarAddr); err != nil {
		registrarAddr = net.JoinHostPort(registrarAddr, defaultPort)
	}

	client := &Client{
		domain:        config.Domain,
		username:      config.Username,
		password:      config.Password,
		transport:     transport,
		registrarAddr: registrarAddr,
		expires:       expires,
		delay:         delay,
		handler:       config.Handler,
		clock:         clk,
		logger:        logger.With("registrar", registrarAddr),
		requester:     requester,
		listenAddr:    config.ListenAddr,
		sessions:      make(map[string]*session),
	}

	var err error
	if client.registrar, err = client.uri("", config.Domain); err != nil {
		return nil, err
	}
	if client.aor, err = client.uri(config.Username, config.Domain); err != nil {
		return nil, err
	}
	client.contact = client.aor
	if config.ListenHost != "" {
		if client.contact, err = client.uri(config.Username, config.ListenHost); err != nil {
			return nil, err
		}
	}
	client.contact.Port = listenPort

	client.ctx, client.cancel = context.WithCancel(context.Background())
	return client, nil
}

// Registered reports whether the last REGISTER succeeded.
func (c *Client) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Login registers with the registrar and starts the loop that keeps
// the registration fresh, and the inbound listener when one is
// configured. A failed registration is retried after the reconnect
// delay; the error is still returned.
func (c *Client) Login(ctx context.Context) error {
	err := c.register(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("sipua: client closed")
	}
	c.registered = err == nil
	start := !c.maintaining
	if start {
		c.maintaining = true
		c.wg.Add(1)
		if c.serve != nil {
			c.wg.Add(1)
		}
	}
	c.mu.Unlock()

	if start {
		go c.maintainRegistration()
		if c.serve != nil {
			go c.listen()
		}
	}
	return err
}

// maintainRegistration re-registers at half the lifetime while
// registered, and every reconnect delay while not.
func (c *Client) maintainRegistration() {
	defer c.wg.Done()
	for {
		wait := c.delay
		if c.Registered() {
			wait = c.expires / 2
		}
		select {
		case <-c.ctx.Done():
			return
		case <-c.clock.After(wait):
		}

		err := c.register(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.registered = err == nil
		c.mu.Unlock()
		if err != nil {
			c.logger.Error("sip registration failed", "error", err, "retry_in", c.delay)
		}
	}
}

func (c *Client) register(ctx context.Context) error {
	req := sip.NewRequest(sip.REGISTER, c.registrar)
	from := &sip.FromHeader{Address: c.aor, Params: sip.NewParams()}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: c.aor, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: c.contact})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(c.expires/time.Second))))
	appendDialogHeaders(req, sip.REGISTER, "callbridge-"+sip.GenerateTagN(16))

	_, res, err := c.transact(ctx, req)
	if err != nil {
		return fmt.Errorf("sipua: register %s: %w", c.aor.String(), err)
	}
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("sipua: register %s: %d %s", c.aor.String(), res.StatusCode, res.Reason)
	}
	c.logger.Info("sip registration complete", "aor", c.aor.String(), "expires", c.expires)
	return nil
}

// OpenSession creates the session for leg. A previous session for
// the same backend call ID is closed.
func (c *Client) OpenSession(ctx context.Context, call *conference.Call, leg *conference.Leg) (conference.Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("sipua: client closed")
	}
	s := newSession(c, leg.BackendCallID)
	previous := c.sessions[leg.BackendCallID]
	c.sessions[leg.BackendCallID] = s
	c.wg.Add(1)
	c.mu.Unlock()

	if previous != nil {
		previous.cancel()
	}
	go c.watch(s)
	return s, nil
}

func (c *Client) session(backendCallID string) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[backendCallID]
	return s, ok
}

func (c *Client) forgetSession(s *session) {
	c.mu.Lock()
	if c.sessions[s.backendCallID] == s {
		delete(c.sessions, s.backendCallID)
	}
	c.mu.Unlock()
}

// SendInvite starts an INVITE for leg to the call's extension. The
// transaction runs in the background; its outcome reaches the handler
// as an Answer or a Hangup.
func (c *Client) SendInvite(ctx context.Context, call *conference.Call, leg *conference.Leg, sdp string) error {
	s, ok := c.session(leg.BackendCallID)
	if !ok {
		return fmt.Errorf("sipua: no session for backend call %s", leg.BackendCallID)
	}
	req, err := c.newInvite(call, leg, sdp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("sipua: client closed")
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.runInvite(s, req)
	return nil
}

func (c *Client) newInvite(call *conference.Call, leg *conference.Leg, sdp string) (*sip.Request, error) {
	target, err := c.uri(call.Extension.String(), c.domain)
	if err != nil {
		return nil, err
	}
	req := sip.NewRequest(sip.INVITE, target)
	req.SetDestination(c.registrarAddr)

	from := &sip.FromHeader{
		DisplayName: leg.UserID.String(),
		Address:     c.aor,
		Params:      sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: c.contact})
	appendDialogHeaders(req, sip.INVITE, leg.BackendCallID)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(sdp))
	return req, nil
}

func (c *Client) runInvite(s *session, req *sip.Request) {
	defer c.wg.Done()
	logger := c.logger.With("backend_call_id", s.backendCallID)

	sent, res, err := c.transact(s.ctx, req)
	if err != nil {
		if s.ctx.Err() != nil {
			logger.Debug("sip invite cancelled")
			return
		}
		logger.Error("sip invite failed", "error", err)
		c.report(backend.Hangup{BackendCallID: s.backendCallID, Cause: backend.CauseInviteFailed})
		return
	}
	if res.StatusCode/100 != 2 {
		logger.Warn("sip invite rejected", "status", int(res.StatusCode), "reason", res.Reason)
		c.report(backend.Hangup{
			BackendCallID: s.backendCallID,
			Cause:         fmt.Sprintf("%d %s", res.StatusCode, res.Reason),
		})
		return
	}

	ack := newAck(sent, res)
	ack.SetDestination(c.registrarAddr)
	if err := c.requester.Write(ack); err != nil {
		logger.Warn("sip ack failed", "error", err)
	}
	s.setDialog(sent, res)

	if s.ctx.Err() != nil {
		// Answered after the leg went away.
		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		defer cancel()
		if err := c.bye(ctx, s); err != nil {
			logger.Warn("sip bye for abandoned invite failed", "error", err)
		}
		return
	}
	if !s.resolve(string(res.Body())) {
		logger.Debug("ignoring repeated sip answer")
	}
}

// SendBye sends BYE in leg's dialog. Without a dialog it does nothing.
func (c *Client) SendBye(ctx context.Context, call *conference.Call, leg *conference.Leg) error {
	s, ok := c.session(leg.BackendCallID)
	if !ok {
		return nil
	}
	return c.bye(ctx, s)
}

func (c *Client) bye(ctx context.Context, s *session) error {
	invite, answer := s.takeDialog()
	if invite == nil {
		return nil
	}
	req := newBye(invite, answer)
	req.SetDestination(c.registrarAddr)
	_, res, err := c.transact(ctx, req)
	if err != nil {
		return fmt.Errorf("sipua: bye %s: %w", s.backendCallID, err)
	}
	if res.StatusCode/100 != 2 {
		return fmt.Errorf("sipua: bye %s: %d %s", s.backendCallID, res.StatusCode, res.Reason)
	}
	return nil
}

// Close cancels every session and in-flight request, stops the
// registration loop and closes the SIP client. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return c.requester.Close()
}

// transact sends req and, if the answer is a digest challenge, sends
// it once more with credentials. Returns the request that produced the
// final response.
func (c *Client) transact(ctx context.Context, req *sip.Request) (*sip.Request, *sip.Response, error) {
	res, err := c.requester.Do(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if res.StatusCode != sip.StatusUnauthorized && res.StatusCode != sip.StatusProxyAuthRequired {
		return req, res, nil
	}

	authorized, err := c.authorize(req, res)
	if err != nil {
		return nil, nil, err
	}
	res, err = c.requester.Do(ctx, authorized)
	if err != nil {
		return nil, nil, err
	}
	return authorized, res, nil
}

// authorize copies req with credentials answering challenge. The copy
// is a new transaction: it has no Via and the next sequence number.
func (c *Client) authorize(req *sip.Request, challenge *sip.Response) (*sip.Request, error) {
	challengeHeader, credentialHeader := "WWW-Authenticate", "Authorization"
	if challenge.StatusCode == sip.StatusProxyAuthRequired {
		challengeHeader, credentialHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	header := challenge.GetHeader(challengeHeader)
	if header == nil {
		return nil, fmt.Errorf("%d without %s", challenge.StatusCode, challengeHeader)
	}
	parsed, err := digest.ParseChallenge(header.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", challengeHeader, err)
	}

	password := ""
	if c.password != nil {
		password = c.password.String()
	}
	credentials, err := digest.Digest(parsed, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: c.username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authorized := req.Clone()
	authorized.RemoveHeader("Via")
	authorized.RemoveHeader(credentialHeader)
	authorized.AppendHeader(sip.NewHeader(credentialHeader, credentials.String()))
	if cseq := authorized.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	return authorized, nil
}

func (c *Client) report(event backend.Event) {
	if err := c.handler.HandleBackendEvent(c.ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("forwarding sip event failed", "error", err)
	}
}

// uri builds a sip URI carrying the configured transport.
func (c *Client) uri(user, host string) (sip.Uri, error) {
	raw := "sip:" + host
	if user != "" {
		raw = "sip:" + user + "@" + host
	}
	if c.transport != "udp" {
		raw += ";transport=" + c.transport
	}
	var uri sip.Uri
	if err := sip.ParseUri(raw, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("sipua: parsing %q: %w", raw, err)
	}
	return uri, nil
}

// appendDialogHeaders adds the headers a request needs before sipgo
// fills in Via.
func appendDialogHeaders(req *sip.Request, method sip.RequestMethod, callID string) {
	req.RemoveHeader("Call-ID")
	callIDHeader := sip.CallIDHeader(callID)
	req.AppendHeader(&callIDHeader)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
}
