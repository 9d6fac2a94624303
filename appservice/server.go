// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bureau-foundation/callbridge/gateway"
	"github.com/bureau-foundation/callbridge/lib/netutil"
	"github.com/bureau-foundation/callbridge/lib/ref"
	"github.com/bureau-foundation/callbridge/lib/secret"
	"github.com/bureau-foundation/callbridge/messaging"
)

const (
	// DefaultTransactionCacheSize bounds the remembered transaction IDs.
	DefaultTransactionCacheSize = 1024

	// DefaultTransactionCacheTTL is how long a transaction ID is
	// remembered. Homeservers retry failed transactions well within it.
	DefaultTransactionCacheTTL = time.Hour

	shutdownTimeout = 10 * time.Second
)

// Dispatcher consumes decoded events. *gateway.Router implements it.
type Dispatcher interface {
	HandleEvent(ctx context.Context, event gateway.Event) error
	ProvisionUser(ctx context.Context, user ref.UserID) (ref.RoomID, error)
}

// Config configures a Server.
type Config struct {
	// HSToken authenticates the homeserver. Required. The server
	// reads it on every request and does not close it.
	HSToken *secret.Buffer

	// Dispatcher receives every decoded event. Required.
	Dispatcher Dispatcher

	// Identity recognizes the bridge's own conference users, whose
	// call events are echoes of what the bridge sent.
	Identity gateway.Identity

	// Sender is the bridge bot. Its events are ignored.
	Sender ref.UserID

	TransactionCacheSize int
	TransactionCacheTTL  time.Duration

	Logger *slog.Logger
}

// Server serves the application service API.
type Server struct {
	hsToken    *secret.Buffer
	dispatcher Dispatcher
	identity   gateway.Identity
	sender     ref.UserID
	logger     *slog.Logger

	// dispatchMu serializes transaction processing so events apply
	// in the order the homeserver delivered them.
	dispatchMu sync.Mutex
	seen       *expirable.LRU[string, struct{}]

	ready chan struct{}
	addr  net.Addr
}

// NewServer validates config and builds a Server.
func NewServer(config Config) (*Server, error) {
	if config.HSToken == nil {
		return nil, fmt.Errorf("appservice: HSToken is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("appservice: Dispatcher is required")
	}
	size := config.TransactionCacheSize
	if size <= 0 {
		size = DefaultTransactionCacheSize
	}
	ttl := config.TransactionCacheTTL
	if ttl <= 0 {
		ttl = DefaultTransactionCacheTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hsToken:    config.HSToken,
		dispatcher: config.Dispatcher,
		identity:   config.Identity,
		sender:     config.Sender,
		logger:     logger,
		seen:       expirable.NewLRU[string, struct{}](size, nil, ttl),
		ready:      make(chan struct{}),
	}, nil
}

// Handler returns the HTTP routes of the application service API.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.authenticate)

	router.Put("/_matrix/app/v1/transactions/{txnId}", s.handleTransaction)
	router.Get("/_matrix/app/v1/users/{userId}", s.handleUserQuery)
	router.Get("/_matrix/app/v1/rooms/{alias}", s.handleRoomQuery)

	// Unprefixed paths predate the v1 API and are still used by
	// older homeservers.
	router.Put("/transactions/{txnId}", s.handleTransaction)
	router.Get("/users/{userId}", s.handleUserQuery)
	router.Get("/rooms/{alias}", s.handleRoomQuery)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, messaging.ErrCodeUnrecognized, "unrecognized request")
	})
	return router
}

// Ready is closed once Serve has bound its listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address. Valid after Ready is closed.
func (s *Server) Addr() net.Addr { return s.addr }

// Serve listens on address until ctx is cancelled, then drains
// in-flight transactions.
func (s *Server) Serve(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("appservice: listening on %s: %w", address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("application service listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveDone:
		if err != nil {
			return fmt.Errorf("appservice: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("appservice: shutdown: %w", err)
	}
	s.logger.Info("application service stopped")
	return nil
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if header := r.Header.Get("Authorization"); header != "" {
			token = strings.TrimPrefix(header, "Bearer ")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, messaging.ErrCodeUnauthorized, "missing hs_token")
			return
		}
		if !s.hsToken.Equal([]byte(token)) {
			writeError(w, http.StatusForbidden, messaging.ErrCodeForbidden, "bad hs_token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type transaction struct {
	Events []json.RawMessage `json:"events"`
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "txnId")

	var body transaction
	if err := netutil.DecodeRequest(r.Body, netutil.MaxTransactionSize, &body); err != nil {
		writeError(w, http.StatusBadRequest, messaging.ErrCodeNotJSON, err.Error())
		return
	}

	// The homeserver stops waiting after its own timeout and retries
	// the same transaction. Finish the work regardless so the retry
	// finds it in the cache.
	ctx := context.WithoutCancel(r.Context())

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	if s.seen.Contains(txnID) {
		s.logger.Debug("duplicate transaction", "txn_id", txnID)
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}

	s.logger.Debug("transaction received", "txn_id", txnID, "events", len(body.Events))
	for _, raw := range body.Events {
		s.dispatch(ctx, txnID, raw)
	}
	s.seen.Add(txnID, struct{}{})
	writeJSON(w, http.StatusOK, struct{}{})
}

// dispatch decodes one event and hands it to the dispatcher, logging
// the outcome.
func (s *Server) dispatch(ctx context.Context, txnID string, raw json.RawMessage) {
	event, err := decodeEvent(raw)
	if err != nil {
		s.logger.Warn("undecodable event", "txn_id", txnID, "error", err)
		return
	}
	if event.gateway == nil {
		return
	}
	if s.isEcho(event) {
		return
	}

	logger := s.logger.With("txn_id", txnID, "event_id", event.id, "type", event.eventType)
	err = s.dispatcher.HandleEvent(ctx, event.gateway)
	switch {
	case err == nil:
		logger.Debug("event handled")
	case gateway.IsRejected(err):
		logger.Info("event rejected", "error", err)
	default:
		logger.Error("event failed", "error", err)
	}
}

// isEcho reports whether event was sent by the bridge itself. Member
// events are kept: the bridge must see its users being invited and
// kicked, and it never invites itself.
func (s *Server) isEcho(event decodedEvent) bool {
	if _, ok := event.gateway.(gateway.Membership); ok {
		return false
	}
	if !s.sender.IsZero() && event.sender == s.sender {
		return true
	}
	return s.identity.Prefix() != "" && s.identity.IsConferenceUser(event.sender)
}

func (s *Server) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, http.StatusNotFound, messaging.ErrCodeNotFound, "no such user")
		return
	}
	user, err := ref.ParseUserID(raw)
	if err != nil {
		writeError(w, http.StatusNotFound, messaging.ErrCodeNotFound, "no such user")
		return
	}
	target, err := s.dispatcher.ProvisionUser(r.Context(), user)
	if err != nil {
		if gateway.IsRejected(err) {
			s.logger.Info("user query rejected", "user_id", user, "error", err)
		} else {
			s.logger.Error("provisioning user failed", "user_id", user, "error", err)
		}
		writeError(w, http.StatusNotFound, messaging.ErrCodeNotFound, "no such user")
		return
	}
	s.logger.Info("conference user provisioned", "user_id", user, "target_room_id", target)
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, messaging.ErrCodeNotFound, "the bridge provisions no rooms")
}

type errorBody struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{ErrCode: code, Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
