// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalConfig = `
homeserver:
  url: http://localhost:8008
  domain: example.org
appservice:
  registration: /etc/callbridge/registration.yaml
store:
  path: /tmp/callbridge/rooms.db
verto:
  url: ws://pbx.example.org:8081
  login: "1008@pbx.example.org"
  password: ClueCon
  dialog_params:
    useVideo: false
    tag: webcam
`

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Backend.CandidateTimeout != 3*time.Second {
		t.Errorf("candidate_timeout = %v, want 3s", cfg.Backend.CandidateTimeout)
	}
	if cfg.Backend.ReconnectDelay != 30*time.Second {
		t.Errorf("reconnect_delay = %v, want 30s", cfg.Backend.ReconnectDelay)
	}
	if cfg.Backend.Readiness != ReadinessStrict {
		t.Errorf("readiness = %q, want %q", cfg.Backend.Readiness, ReadinessStrict)
	}
	if cfg.Conference.ExtensionPrefix != "35" {
		t.Errorf("extension_prefix = %q, want 35", cfg.Conference.ExtensionPrefix)
	}
	if cfg.AppService.UserPrefix != "conf_" {
		t.Errorf("user_prefix = %q, want conf_", cfg.AppService.UserPrefix)
	}
}

func TestLoadRequiresEnvironmentVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")
	_, err := Load()
	if err == nil {
		t.Fatal("Load succeeded without CALLBRIDGE_CONFIG")
	}
	if !strings.Contains(err.Error(), EnvironmentVariable) {
		t.Fatalf("error %q does not name %s", err, EnvironmentVariable)
	}
}

func TestLoadFromEnvironmentVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, writeConfig(t, minimalConfig))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Verto.Login != "1008@pbx.example.org" {
		t.Errorf("verto.login = %q", cfg.Verto.Login)
	}
	if cfg.Verto.DialogParams["tag"] != "webcam" {
		t.Errorf("verto.dialog_params = %v", cfg.Verto.DialogParams)
	}
	if cfg.ServerName().String() != "example.org" {
		t.Errorf("ServerName() = %q", cfg.ServerName())
	}
}

func TestLoadFileDurationsAndOverrides(t *testing.T) {
	path := writeConfig(t, minimalConfig+`
environment: production
backend:
  candidate_timeout: 5s
  readiness: any-reflexive
production:
  backend:
    reconnect_delay: 10s
  store:
    path: /var/lib/callbridge/rooms.db
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Backend.CandidateTimeout != 5*time.Second {
		t.Errorf("candidate_timeout = %v, want 5s", cfg.Backend.CandidateTimeout)
	}
	if cfg.Backend.ReconnectDelay != 10*time.Second {
		t.Errorf("reconnect_delay = %v, want the production override 10s", cfg.Backend.ReconnectDelay)
	}
	if cfg.Backend.Readiness != ReadinessAnyReflexive {
		t.Errorf("readiness = %q", cfg.Backend.Readiness)
	}
	if cfg.Store.Path != "/var/lib/callbridge/rooms.db" {
		t.Errorf("store.path = %q, want the production override", cfg.Store.Path)
	}
}

func TestLoadFileExpandsPaths(t *testing.T) {
	t.Setenv("CALLBRIDGE_STATE", "/srv/state")
	path := writeConfig(t, `
homeserver:
  url: http://localhost:8008
  domain: example.org
appservice:
  registration: ${CALLBRIDGE_STATE}/registration.yaml
verto:
  url: ws://pbx.example.org:8081
  login: bridge
  password_file: ${UNSET_FOR_TEST:-/run/secrets}/verto
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.AppService.Registration != "/srv/state/registration.yaml" {
		t.Errorf("registration = %q", cfg.AppService.Registration)
	}
	if cfg.Verto.PasswordFile != "/run/secrets/verto" {
		t.Errorf("password_file = %q", cfg.Verto.PasswordFile)
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("LoadFile succeeded on a missing file")
	}
	if _, err := LoadFile(writeConfig(t, "backend: [unterminated")); err == nil {
		t.Fatal("LoadFile succeeded on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing homeserver url", mutate: func(c *Config) { c.Homeserver.URL = "" }, wantErr: "homeserver.url"},
		{name: "bad domain", mutate: func(c *Config) { c.Homeserver.Domain = "bad domain" }, wantErr: "homeserver.domain"},
		{name: "uppercase prefix", mutate: func(c *Config) { c.AppService.UserPrefix = "Conf_" }, wantErr: "appservice.user_prefix"},
		{name: "non-digit extension prefix", mutate: func(c *Config) { c.Conference.ExtensionPrefix = "3a" }, wantErr: "extension_prefix"},
		{name: "unknown readiness", mutate: func(c *Config) { c.Backend.Readiness = "eager" }, wantErr: "backend.readiness"},
		{name: "unknown backend", mutate: func(c *Config) { c.Backend.Type = "xmpp" }, wantErr: "backend.type"},
		{name: "verto without url", mutate: func(c *Config) { c.Verto.URL = "" }, wantErr: "verto.url"},
		{
			name: "sip without domain",
			mutate: func(c *Config) {
				c.Backend.Type = BackendSIP
			},
			wantErr: "sip.domain",
		},
		{
			name: "sip valid",
			mutate: func(c *Config) {
				c.Backend.Type = BackendSIP
				c.SIP.Registrar = "pbx.example.org"
				c.SIP.Domain = "pbx.example.org"
				c.SIP.Username = "gateway"
			},
		},
		{
			name: "sip websocket transport",
			mutate: func(c *Config) {
				c.Backend.Type = BackendSIP
				c.SIP.Registrar = "pbx.example.org"
				c.SIP.Domain = "pbx.example.org"
				c.SIP.Username = "gateway"
				c.SIP.Transport = "ws"
			},
			wantErr: "sip.transport",
		},
		{
			name: "sip listener without port",
			mutate: func(c *Config) {
				c.Backend.Type = BackendSIP
				c.SIP.Registrar = "pbx.example.org"
				c.SIP.Domain = "pbx.example.org"
				c.SIP.Username = "gateway"
				c.SIP.ListenAddr = "0.0.0.0"
			},
			wantErr: "sip.listen_addr",
		},
		{
			name: "sip listener over tls",
			mutate: func(c *Config) {
				c.Backend.Type = BackendSIP
				c.SIP.Registrar = "pbx.example.org"
				c.SIP.Domain = "pbx.example.org"
				c.SIP.Username = "gateway"
				c.SIP.Transport = "tls"
				c.SIP.ListenAddr = "0.0.0.0:5061"
			},
			wantErr: "sip.listen_addr",
		},
		{name: "zero candidate timeout", mutate: func(c *Config) { c.Backend.CandidateTimeout = 0 }, wantErr: "candidate_timeout"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg, err := LoadFile(writeConfig(t, minimalConfig))
			if err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			test.mutate(cfg)
			err = cfg.Validate()
			if test.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Fatalf("Validate error = %v, want it to mention %q", err, test.wantErr)
			}
		})
	}
}

func TestPasswordResolution(t *testing.T) {
	cfg := Default()

	buffer, err := cfg.VertoPassword()
	if err != nil || buffer != nil {
		t.Fatalf("VertoPassword with nothing configured = %v, %v; want nil, nil", buffer, err)
	}

	cfg.Verto.Password = "inline"
	buffer, err = cfg.VertoPassword()
	if err != nil {
		t.Fatalf("VertoPassword: %v", err)
	}
	if buffer.String() != "inline" {
		t.Fatalf("VertoPassword = %q, want inline", buffer.String())
	}
	buffer.Close()

	passwordFile := filepath.Join(t.TempDir(), "sip")
	if err := os.WriteFile(passwordFile, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("writing password file: %v", err)
	}
	cfg.SIP.Password = "ignored"
	cfg.SIP.PasswordFile = passwordFile
	buffer, err = cfg.SIPPassword()
	if err != nil {
		t.Fatalf("SIPPassword: %v", err)
	}
	defer buffer.Close()
	if buffer.String() != "from-file" {
		t.Fatalf("SIPPassword = %q, want the file contents", buffer.String())
	}
}
