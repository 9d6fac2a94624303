// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the callbridge configuration.
//
// Configuration comes from exactly one YAML file, named by the
// --config flag or the CALLBRIDGE_CONFIG environment variable. There
// is no discovery and environment variables never override values;
// the only expansion is ${VAR} in path-valued fields (store.path,
// appservice.registration, password_file entries).
//
// A file may carry development, staging and production sections that
// replace backend and store settings when environment matches.
// Durations use Go syntax ("3s", "30s").
package config
