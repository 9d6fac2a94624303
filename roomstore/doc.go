// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package roomstore persists room pairings: which Matrix room a
// conference user was invited into, and which group room that user
// stands for. Pairings survive restarts so that calls placed after a
// restart still find their conference.
//
// The store is a small SQLite database (zombiezen.com/go/sqlite) behind
// a connection pool. Every connection is opened with WAL journaling,
// NORMAL synchronous and a busy timeout, and creates the schema on
// first use.
package roomstore
