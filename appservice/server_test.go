// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/callbridge/gateway"
	"github.com/bureau-foundation/callbridge/lib/ref"
	"github.com/bureau-foundation/callbridge/lib/secret"
	"github.com/bureau-foundation/callbridge/lib/testutil"
	"github.com/bureau-foundation/callbridge/messaging"
)

const testHSToken = "hs-secret"

type fakeDispatcher struct {
	mu        sync.Mutex
	events    []gateway.Event
	err       error
	provision map[ref.UserID]ref.RoomID
	queried   []ref.UserID
}

func (d *fakeDispatcher) HandleEvent(ctx context.Context, event gateway.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return d.err
}

func (d *fakeDispatcher) ProvisionUser(ctx context.Context, user ref.UserID) (ref.RoomID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queried = append(d.queried, user)
	room, ok := d.provision[user]
	if !ok {
		return ref.RoomID{}, fmt.Errorf("%w: unknown user", gateway.ErrRejected)
	}
	return room, nil
}

func (d *fakeDispatcher) received() []gateway.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]gateway.Event(nil), d.events...)
}

type serverHarness struct {
	dispatcher *fakeDispatcher
	server     *Server
	http       *httptest.Server
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	token, err := secret.NewFromString(testHSToken)
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	t.Cleanup(func() { token.Close() })

	identity, err := gateway.NewIdentity("conf_", ref.MustParseServerName("example.org"))
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	dispatcher := &fakeDispatcher{provision: make(map[ref.UserID]ref.RoomID)}
	server, err := NewServer(Config{
		HSToken:    token,
		Dispatcher: dispatcher,
		Identity:   identity,
		Sender:     ref.MustParseUserID("@callbridge:example.org"),
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)
	return &serverHarness{dispatcher: dispatcher, server: server, http: httpServer}
}

func (h *serverHarness) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	request, err := http.NewRequest(method, h.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+testHSToken)
	response, err := h.http.Client().Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer response.Body.Close()
	data, _ := io.ReadAll(response.Body)
	return response, string(data)
}

func transactionBody(events ...string) string {
	return `{"events":[` + strings.Join(events, ",") + `]}`
}

const (
	memberInvite = `{"event_id":"$m1","type":"m.room.member","sender":"@alice:example.org",` +
		`"room_id":"!dm:example.org","state_key":"@conf_abc:example.org","content":{"membership":"invite"}}`
	callInvite = `{"event_id":"$c1","type":"m.call.invite","sender":"@alice:example.org",` +
		`"room_id":"!dm:example.org","content":{"call_id":"c1","version":0,"offer":{"type":"offer","sdp":"v=0"}}}`
	callCandidates = `{"event_id":"$c2","type":"m.call.candidates","sender":"@alice:example.org",` +
		`"room_id":"!dm:example.org","content":{"call_id":"c1","version":0,` +
		`"candidates":[{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}]}}`
	callHangup = `{"event_id":"$c3","type":"m.call.hangup","sender":"@alice:example.org",` +
		`"room_id":"!dm:example.org","content":{"call_id":"c1","version":0}}`
	roomMessage = `{"event_id":"$t1","type":"m.room.message","sender":"@alice:example.org",` +
		`"room_id":"!dm:example.org","content":{"msgtype":"m.text","body":"hi"}}`
)

func TestTransactionDecodesAndDispatchesInOrder(t *testing.T) {
	h := newServerHarness(t)

	response, body := h.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1",
		transactionBody(memberInvite, roomMessage, callInvite, callCandidates, callHangup))
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", response.StatusCode, body)
	}
	if strings.TrimSpace(body) != "{}" {
		t.Errorf("body = %q, want {}", body)
	}

	events := h.dispatcher.received()
	if len(events) != 4 {
		t.Fatalf("dispatched %d events, want 4: %#v", len(events), events)
	}

	alice := ref.MustParseUserID("@alice:example.org")
	dm := ref.MustParseRoomID("!dm:example.org")

	membership, ok := events[0].(gateway.Membership)
	if !ok {
		t.Fatalf("event 0 = %T, want Membership", events[0])
	}
	if membership.Target != ref.MustParseUserID("@conf_abc:example.org") || membership.Membership != "invite" ||
		membership.Sender != alice || membership.RoomID != dm {
		t.Errorf("membership = %+v", membership)
	}

	invite, ok := events[1].(gateway.CallInvite)
	if !ok {
		t.Fatalf("event 1 = %T, want CallInvite", events[1])
	}
	if invite.CallID != "c1" || invite.Offer != "v=0" {
		t.Errorf("invite = %+v", invite)
	}

	candidates, ok := events[2].(gateway.CallCandidates)
	if !ok {
		t.Fatalf("event 2 = %T, want CallCandidates", events[2])
	}
	if len(candidates.Candidates) != 1 || !strings.Contains(candidates.Candidates[0].Candidate, "10.0.0.1") {
		t.Errorf("candidates = %+v", candidates.Candidates)
	}

	if hangup, ok := events[3].(gateway.CallHangup); !ok || hangup.CallID != "c1" {
		t.Errorf("event 3 = %#v, want CallHangup c1", events[3])
	}
}

func TestTransactionDeduplicated(t *testing.T) {
	h := newServerHarness(t)

	for range 2 {
		response, body := h.do(t, http.MethodPut, "/_matrix/app/v1/transactions/42", transactionBody(callInvite))
		if response.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body %s", response.StatusCode, body)
		}
	}
	if got := len(h.dispatcher.received()); got != 1 {
		t.Fatalf("dispatched %d events, want 1", got)
	}

	h.do(t, http.MethodPut, "/_matrix/app/v1/transactions/43", transactionBody(callInvite))
	if got := len(h.dispatcher.received()); got != 2 {
		t.Fatalf("dispatched %d events after a new transaction, want 2", got)
	}
}

func TestLegacyTransactionPath(t *testing.T) {
	h := newServerHarness(t)

	response, body := h.do(t, http.MethodPut, "/transactions/7", transactionBody(callHangup))
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", response.StatusCode, body)
	}
	if got := len(h.dispatcher.received()); got != 1 {
		t.Fatalf("dispatched %d events, want 1", got)
	}
}

func TestHandlerErrorsStillAcknowledge(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("%w: not in a call", gateway.ErrRejected),
		errors.New("homeserver unreachable"),
	} {
		h := newServerHarness(t)
		h.dispatcher.err = err
		response, body := h.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1", transactionBody(callHangup))
		if response.StatusCode != http.StatusOK || strings.TrimSpace(body) != "{}" {
			t.Errorf("handler error %v: status %d body %q, want 200 {}", err, response.StatusCode, body)
		}
	}
}

func TestUndecodableEventsSkipped(t *testing.T) {
	h := newServerHarness(t)

	noCallID := `{"event_id":"$x","type":"m.call.hangup","sender":"@alice:example.org",` +
		`"room_id":"!dm:example.org","content":{"version":0}}`
	noStateKey := `{"event_id":"$y","type":"m.room.member","sender":"@alice:example.org",` +
		`"room_id":"!dm:example.org","content":{"membership":"leave"}}`
	badContent := `{"event_id":"$z","type":"m.call.invite","sender":"@alice:example.org",` +
		`"room_id":"!dm:example.org","content":"not an object"}`

	response, _ := h.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1",
		transactionBody(noCallID, noStateKey, badContent, `"garbage"`, callHangup))
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", response.StatusCode)
	}
	events := h.dispatcher.received()
	if len(events) != 1 {
		t.Fatalf("dispatched %d events, want only the well-formed hangup", len(events))
	}
}

func TestEchoesIgnored(t *testing.T) {
	h := newServerHarness(t)

	ownAnswer := `{"event_id":"$e1","type":"m.call.hangup","sender":"@conf_abc:example.org",` +
		`"room_id":"!dm:example.org","content":{"call_id":"c1","version":0}}`
	botInvite := `{"event_id":"$e2","type":"m.call.invite","sender":"@callbridge:example.org",` +
		`"room_id":"!dm:example.org","content":{"call_id":"c9","offer":{"type":"offer","sdp":"v=0"}}}`
	ownJoin := `{"event_id":"$e3","type":"m.room.member","sender":"@conf_abc:example.org",` +
		`"room_id":"!dm:example.org","state_key":"@conf_abc:example.org","content":{"membership":"leave"}}`

	h.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1", transactionBody(ownAnswer, botInvite, ownJoin))
	events := h.dispatcher.received()
	if len(events) != 1 {
		t.Fatalf("dispatched %d events, want only the membership change", len(events))
	}
	if _, ok := events[0].(gateway.Membership); !ok {
		t.Fatalf("dispatched %T, want Membership", events[0])
	}
}

func TestAuthentication(t *testing.T) {
	h := newServerHarness(t)

	tests := []struct {
		name     string
		header   string
		query    string
		want     int
		wantCode string
	}{
		{name: "missing", want: http.StatusUnauthorized, wantCode: messaging.ErrCodeUnauthorized},
		{name: "wrong bearer", header: "Bearer nope", want: http.StatusForbidden, wantCode: messaging.ErrCodeForbidden},
		{name: "wrong query", query: "?access_token=nope", want: http.StatusForbidden, wantCode: messaging.ErrCodeForbidden},
		{name: "query token", query: "?access_token=" + testHSToken, want: http.StatusOK},
		{name: "bearer token", header: "Bearer " + testHSToken, want: http.StatusOK},
	}
	for i, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := fmt.Sprintf("%s/_matrix/app/v1/transactions/auth-%d%s", h.http.URL, i, test.query)
			request, err := http.NewRequest(http.MethodPut, path, strings.NewReader(transactionBody()))
			if err != nil {
				t.Fatalf("NewRequest: %v", err)
			}
			if test.header != "" {
				request.Header.Set("Authorization", test.header)
			}
			response, err := h.http.Client().Do(request)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			body, _ := io.ReadAll(response.Body)
			response.Body.Close()
			if response.StatusCode != test.want {
				t.Fatalf("status = %d, want %d", response.StatusCode, test.want)
			}
			if test.wantCode == "" {
				return
			}
			var decoded errorBody
			if err := json.Unmarshal(body, &decoded); err != nil || decoded.ErrCode != test.wantCode {
				t.Fatalf("body = %s, want errcode %s", body, test.wantCode)
			}
		})
	}
}

func TestMalformedTransactionBody(t *testing.T) {
	h := newServerHarness(t)

	response, body := h.do(t, http.MethodPut, "/_matrix/app/v1/transactions/1", "{not json")
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", response.StatusCode)
	}
	var decoded errorBody
	if err := json.Unmarshal([]byte(body), &decoded); err != nil || decoded.ErrCode != messaging.ErrCodeNotJSON {
		t.Fatalf("body = %s, want M_NOT_JSON", body)
	}
}

func TestUserQuery(t *testing.T) {
	h := newServerHarness(t)
	known := ref.MustParseUserID("@conf_abc:example.org")
	h.dispatcher.provision[known] = ref.MustParseRoomID("!a:example.org")

	response, _ := h.do(t, http.MethodGet, "/_matrix/app/v1/users/"+known.String(), "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("known user: status = %d, want 200", response.StatusCode)
	}

	response, _ = h.do(t, http.MethodGet, "/_matrix/app/v1/users/%40conf_abc%3Aexample.org", "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("escaped user: status = %d, want 200", response.StatusCode)
	}

	response, body := h.do(t, http.MethodGet, "/_matrix/app/v1/users/@conf_zzz:example.org", "")
	if response.StatusCode != http.StatusNotFound || !strings.Contains(body, "M_NOT_FOUND") {
		t.Fatalf("unknown user: status = %d body %s, want 404 M_NOT_FOUND", response.StatusCode, body)
	}

	response, _ = h.do(t, http.MethodGet, "/users/not-a-user-id", "")
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("malformed user: status = %d, want 404", response.StatusCode)
	}
}

func TestRoomQueryAlwaysNotFound(t *testing.T) {
	h := newServerHarness(t)
	response, body := h.do(t, http.MethodGet, "/_matrix/app/v1/rooms/%23conference:example.org", "")
	if response.StatusCode != http.StatusNotFound || !strings.Contains(body, "M_NOT_FOUND") {
		t.Fatalf("status = %d body %s, want 404 M_NOT_FOUND", response.StatusCode, body)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	h := newServerHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.server.Serve(ctx, "127.0.0.1:0") }()

	select {
	case <-h.server.Ready():
	case err := <-done:
		t.Fatalf("Serve returned early: %v", err)
	case <-time.After(5 * time.Second): //nolint:realclock test hang prevention
		t.Fatal("server never became ready")
	}

	request, _ := http.NewRequest(http.MethodGet, "http://"+h.server.Addr().String()+"/_matrix/app/v1/rooms/x", nil)
	request.Header.Set("Authorization", "Bearer "+testHSToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request to served address: %v", err)
	}
	response.Body.Close()

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Serve did not return"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestNewServerValidates(t *testing.T) {
	if _, err := NewServer(Config{Dispatcher: &fakeDispatcher{}}); err == nil {
		t.Error("NewServer accepted a missing hs_token")
	}
	token, err := secret.NewFromString(testHSToken)
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	defer token.Close()
	if _, err := NewServer(Config{HSToken: token}); err == nil {
		t.Error("NewServer accepted a missing dispatcher")
	}
}
