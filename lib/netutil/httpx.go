// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil bounds HTTP body reads and classifies connection
// teardown errors for the bridge's network edges: homeserver
// responses, transactions pushed by the homeserver, and the backend
// WebSocket.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

const (
	// MaxResponseSize bounds reads of homeserver API responses.
	MaxResponseSize int64 = 32 << 20

	// MaxTransactionSize bounds an application service transaction
	// pushed by the homeserver. Transactions carry at most a few
	// hundred events.
	MaxTransactionSize int64 = 16 << 20
)

// ReadResponse reads an HTTP response body up to MaxResponseSize.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeRequest reads a request body up to limit bytes and decodes
// it as JSON into v. A body that reaches the limit is rejected rather
// than silently truncated.
func DecodeRequest(body io.Reader, limit int64, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}
	if int64(len(data)) > limit {
		return fmt.Errorf("request body exceeds %d bytes", limit)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

// ErrorBody reads an error response body for use in a diagnostic
// message. Read errors are ignored.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}
