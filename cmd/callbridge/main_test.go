// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/callbridge/appservice"
	"github.com/bureau-foundation/callbridge/lib/config"
)

func TestNewLogger(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := newLogger(&buffer, "json", true)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug("sample", "key", "value")

	var record map[string]any
	if err := json.Unmarshal(buffer.Bytes(), &record); err != nil {
		t.Fatalf("log output %q is not JSON: %v", buffer.String(), err)
	}
	if record["msg"] != "sample" || record["key"] != "value" {
		t.Errorf("record = %v", record)
	}

	buffer.Reset()
	logger, err = newLogger(&buffer, "text", false)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown")
	if strings.Contains(buffer.String(), "hidden") || !strings.Contains(buffer.String(), "shown") {
		t.Errorf("text output = %q, want only the info record", buffer.String())
	}

	if _, err := newLogger(&buffer, "xml", false); err == nil {
		t.Error("newLogger accepted an unknown format")
	}
}

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "callbridge.yaml")
	content := `
homeserver:
  url: http://localhost:8008
  domain: example.org
appservice:
  registration: ` + filepath.Join(dir, "registration.yaml") + `
  user_prefix: conf_
store:
  path: ` + filepath.Join(dir, "rooms.db") + `
verto:
  url: ws://pbx.example.org:8081
  login: "1008@pbx.example.org"
  password: ClueCon
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestWriteRegistration(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(writeTestConfig(t, dir))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	logger := slog.New(slog.DiscardHandler)
	if err := writeRegistration(cfg, "http://bridge.internal:8090", logger); err != nil {
		t.Fatalf("writeRegistration: %v", err)
	}

	registration, err := appservice.LoadRegistration(cfg.AppService.Registration)
	if err != nil {
		t.Fatalf("LoadRegistration: %v", err)
	}
	if registration.URL != "http://bridge.internal:8090" {
		t.Errorf("url = %q, want the --url value", registration.URL)
	}
	if registration.SenderLocalpart != cfg.AppService.SenderLocalpart {
		t.Errorf("sender_localpart = %q", registration.SenderLocalpart)
	}
	if got := registration.Namespaces.Users[0].Regex; got != "@conf_.*" {
		t.Errorf("user regex = %q", got)
	}
}

func TestLoadConfigValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callbridge.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  type: xmpp\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Fatal("loadConfig accepted an invalid configuration")
	}

	t.Setenv(config.EnvironmentVariable, writeTestConfig(t, dir))
	if _, err := loadConfig(""); err != nil {
		t.Fatalf("loadConfig from the environment: %v", err)
	}
}
