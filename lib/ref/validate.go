// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// maxUserIDLength is the Matrix limit on the full user ID, in bytes.
const maxUserIDLength = 255

// localpartChars is the set of characters allowed in a localpart the
// bridge mints: a-z, 0-9, and . _ = - /.
var localpartChars [256]bool

func init() {
	for c := byte('a'); c <= 'z'; c++ {
		localpartChars[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		localpartChars[c] = true
	}
	for _, c := range []byte("._=-/") {
		localpartChars[c] = true
	}
}

// ValidateLocalpart checks a localpart against the Matrix user ID
// grammar. Used for the virtual-user prefix in configuration and for
// every conference identity the bridge mints.
func ValidateLocalpart(localpart string) error {
	if localpart == "" {
		return fmt.Errorf("localpart is empty")
	}
	if len(localpart) > maxUserIDLength {
		return fmt.Errorf("localpart is %d bytes, maximum is %d", len(localpart), maxUserIDLength)
	}
	for i := 0; i < len(localpart); i++ {
		if !localpartChars[localpart[i]] {
			return fmt.Errorf("localpart %q: invalid character %q at position %d (allowed: a-z, 0-9, ., _, =, -, /)", localpart, localpart[i], i)
		}
	}
	return nil
}

// parseMatrixID splits "@localpart:server".
func parseMatrixID(matrixID string) (localpart, server string, err error) {
	if len(matrixID) < 2 || matrixID[0] != '@' {
		return "", "", fmt.Errorf("invalid Matrix user ID %q: must start with @", matrixID)
	}
	colonIndex := strings.IndexByte(matrixID[1:], ':')
	if colonIndex < 0 {
		return "", "", fmt.Errorf("invalid Matrix user ID %q: missing :server", matrixID)
	}
	if colonIndex == 0 {
		return "", "", fmt.Errorf("invalid Matrix user ID %q: empty localpart", matrixID)
	}
	localpart = matrixID[1 : 1+colonIndex]
	server = matrixID[1+colonIndex+1:]
	if server == "" {
		return "", "", fmt.Errorf("invalid Matrix user ID %q: empty server", matrixID)
	}
	return localpart, server, nil
}
