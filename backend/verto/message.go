// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package verto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDisconnected is returned for requests that could not complete
// because the socket was down or dropped while they were in flight.
var ErrDisconnected = errors.New("verto: disconnected")

// RPCError is a JSON-RPC error object returned by the switch.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("verto: rpc error %d: %s", e.Code, e.Message)
}

// Method names on the wire.
const (
	methodLogin  = "login"
	methodInvite = "verto.invite"
	methodBye    = "verto.bye"
	methodAnswer = "verto.answer"
)

// request is an outbound JSON-RPC request.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

// response is an outbound JSON-RPC result.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result"`
	ID      json.RawMessage `json:"id"`
}

// message is any inbound envelope: a response when Method is empty,
// otherwise a request from the switch.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type loginParams struct {
	Login    string `json:"login"`
	Password string `json:"passwd"`
	SessID   string `json:"sessid"`
}

type inviteParams struct {
	SDP          string         `json:"sdp"`
	DialogParams map[string]any `json:"dialogParams"`
	SessID       string         `json:"sessid"`
}

type byeParams struct {
	DialogParams map[string]any `json:"dialogParams"`
	SessID       string         `json:"sessid"`
}

// answerParams and inboundByeParams are the fields read from the
// switch's requests.
type answerParams struct {
	CallID string `json:"callID"`
	SDP    string `json:"sdp"`
}

type inboundByeParams struct {
	CallID string `json:"callID"`
	Cause  string `json:"cause,omitempty"`
}

// dialogParams returns a deep copy of base with the per-leg fields set.
func dialogParams(base map[string]any, backendCallID, extension, callerName string) map[string]any {
	params := copyMap(base)
	params["callID"] = backendCallID
	params["destination_number"] = extension
	params["remote_caller_id_number"] = extension
	params["caller_id_name"] = callerName
	return params
}

func copyMap(source map[string]any) map[string]any {
	result := make(map[string]any, len(source)+4)
	for key, value := range source {
		result[key] = copyValue(value)
	}
	return result
}

func copyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return copyMap(typed)
	case []any:
		result := make([]any, len(typed))
		for index, element := range typed {
			result[index] = copyValue(element)
		}
		return result
	default:
		return value
	}
}
