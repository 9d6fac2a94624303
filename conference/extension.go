// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package conference

import (
	"errors"
	"fmt"
)

// extensionRange is the number of two-digit suffixes, 00 through 99.
const extensionRange = 100

// ErrExhaustedPool is returned when all extensions are occupied.
var ErrExhaustedPool = errors.New("conference: no free extension")

// Extension is a conference number dialled on the backend: the
// configured prefix followed by two zero-padded digits.
type Extension string

// String returns the extension digits.
func (e Extension) String() string { return string(e) }

// ExtensionPool hands out extensions by cycling a cursor through
// 00..99. Next alone guarantees nothing about uniqueness; the
// Registry checks occupancy and falls back to AnyFree.
type ExtensionPool struct {
	prefix string
	cursor int
}

// NewExtensionPool returns a pool whose first Next is prefix+"00".
func NewExtensionPool(prefix string) *ExtensionPool {
	return &ExtensionPool{prefix: prefix, cursor: extensionRange - 1}
}

// Prefix returns the configured prefix.
func (p *ExtensionPool) Prefix() string { return p.prefix }

// Next advances the cursor, wrapping 99 to 00, and returns the
// extension under it.
func (p *ExtensionPool) Next() Extension {
	p.cursor = (p.cursor + 1) % extensionRange
	return p.format(p.cursor)
}

// AnyFree returns the lowest extension for which occupied reports
// false, or ErrExhaustedPool.
func (p *ExtensionPool) AnyFree(occupied func(Extension) bool) (Extension, error) {
	for number := 0; number < extensionRange; number++ {
		extension := p.format(number)
		if !occupied(extension) {
			return extension, nil
		}
	}
	return "", ErrExhaustedPool
}

func (p *ExtensionPool) format(number int) Extension {
	return Extension(fmt.Sprintf("%s%02d", p.prefix, number))
}
