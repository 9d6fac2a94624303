// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/callbridge/lib/ref"
	"github.com/bureau-foundation/callbridge/lib/secret"
)

// EnvironmentVariable names the variable Load reads the config path
// from when no --config flag is given.
const EnvironmentVariable = "CALLBRIDGE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Backend kinds.
const (
	BackendVerto = "verto"
	BackendSIP   = "sip"
)

// Readiness policies for the candidate reconciler.
const (
	ReadinessStrict       = "strict"
	ReadinessAnyReflexive = "any-reflexive"
)

// Config is the complete callbridge configuration.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Store      StoreConfig      `yaml:"store"`
	Conference ConferenceConfig `yaml:"conference"`
	Backend    BackendConfig    `yaml:"backend"`
	Verto      VertoConfig      `yaml:"verto"`
	SIP        SIPConfig        `yaml:"sip"`

	// Per-environment overrides, applied after the base file is
	// loaded.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides are the fields an environment section may replace.
type Overrides struct {
	Backend *BackendConfig `yaml:"backend,omitempty"`
	Store   *StoreConfig   `yaml:"store,omitempty"`
}

// HomeserverConfig locates the Matrix homeserver.
type HomeserverConfig struct {
	// URL is the client-server API base URL.
	URL string `yaml:"url"`

	// Domain is the server name virtual users are minted on.
	Domain string `yaml:"domain"`
}

// AppServiceConfig configures the application service surface.
type AppServiceConfig struct {
	// ID is the registration id.
	ID string `yaml:"id"`

	// Registration is the path of the registration YAML holding the
	// as_token and hs_token.
	Registration string `yaml:"registration"`

	// Listen is the address the transaction endpoint binds.
	Listen string `yaml:"listen"`

	// URL is where the homeserver reaches Listen. Written into a
	// generated registration.
	URL string `yaml:"url"`

	// UserPrefix is the localpart prefix of conference users.
	UserPrefix string `yaml:"user_prefix"`

	// SenderLocalpart is the localpart of the bridge bot.
	SenderLocalpart string `yaml:"sender_localpart"`

	// DisplayName, when set, is applied to each conference user on
	// registration.
	DisplayName string `yaml:"display_name"`

	// TransactionCacheSize bounds how many transaction IDs are
	// remembered for de-duplication.
	TransactionCacheSize int `yaml:"transaction_cache_size"`

	// TransactionCacheTTL is how long a transaction ID is remembered.
	TransactionCacheTTL time.Duration `yaml:"transaction_cache_ttl"`
}

// StoreConfig locates the room pairing database.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory is
	// created when missing.
	Path string `yaml:"path"`
}

// ConferenceConfig configures extension allocation and call setup.
type ConferenceConfig struct {
	// ExtensionPrefix is prepended to the two allocated digits.
	ExtensionPrefix string `yaml:"extension_prefix"`

	// CandidateReplayWindow is how long candidates that arrive before
	// their call invite are kept for replay.
	CandidateReplayWindow time.Duration `yaml:"candidate_replay_window"`
}

// BackendConfig selects and tunes the telephony backend.
type BackendConfig struct {
	// Type is "verto" or "sip".
	Type string `yaml:"type"`

	// CandidateTimeout is how long a leg waits for a usable candidate
	// set before the invite is sent anyway.
	CandidateTimeout time.Duration `yaml:"candidate_timeout"`

	// ReconnectDelay is the fixed delay between login attempts after
	// the backend connection is lost.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// Readiness is "strict" or "any-reflexive".
	Readiness string `yaml:"readiness"`
}

// VertoConfig configures the Verto JSON-RPC WebSocket backend.
type VertoConfig struct {
	URL          string         `yaml:"url"`
	Login        string         `yaml:"login"`
	Password     string         `yaml:"password"`
	PasswordFile string         `yaml:"password_file"`
	DialogParams map[string]any `yaml:"dialog_params"`
}

// SIPConfig configures the SIP user agent backend.
type SIPConfig struct {
	// Registrar is "host" or "host:port". REGISTER and INVITE go
	// there.
	Registrar string `yaml:"registrar"`

	// Domain is the host part of the conference request URI.
	Domain string `yaml:"domain"`

	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordFile string `yaml:"password_file"`

	// Transport is "udp", "tcp" or "tls".
	Transport string `yaml:"transport"`

	// ListenHost is the local address advertised in Via and Contact.
	ListenHost string `yaml:"listen_host"`

	// ListenAddr is the "host:port" where BYE from the switch is
	// accepted. Empty disables inbound requests.
	ListenAddr string `yaml:"listen_addr"`

	// Expires is the requested registration lifetime.
	Expires time.Duration `yaml:"expires"`
}

// Default returns the configuration every file is merged onto.
func Default() *Config {
	return &Config{
		Environment: Development,
		AppService: AppServiceConfig{
			ID:                   "callbridge",
			Listen:               "127.0.0.1:8090",
			URL:                  "http://127.0.0.1:8090",
			UserPrefix:           "conf_",
			SenderLocalpart:      "callbridge",
			DisplayName:          "VoIP Conference",
			TransactionCacheSize: 1024,
			TransactionCacheTTL:  time.Hour,
		},
		Store: StoreConfig{
			Path: "${HOME}/.local/share/callbridge/rooms.db",
		},
		Conference: ConferenceConfig{
			ExtensionPrefix:       "35",
			CandidateReplayWindow: 30 * time.Second,
		},
		Backend: BackendConfig{
			Type:             BackendVerto,
			CandidateTimeout: 3 * time.Second,
			ReconnectDelay:   30 * time.Second,
			Readiness:        ReadinessStrict,
		},
		SIP: SIPConfig{
			Transport: "udp",
			Expires:   5 * time.Minute,
		},
	}
}

// Load reads the file named by CALLBRIDGE_CONFIG. There is no search
// path: an unset variable is an error.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your callbridge.yaml, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile reads path over Default, applies the matching environment
// overrides and expands ${VAR} references in path-valued fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if backend := overrides.Backend; backend != nil {
		if backend.Type != "" {
			c.Backend.Type = backend.Type
		}
		if backend.CandidateTimeout != 0 {
			c.Backend.CandidateTimeout = backend.CandidateTimeout
		}
		if backend.ReconnectDelay != 0 {
			c.Backend.ReconnectDelay = backend.ReconnectDelay
		}
		if backend.Readiness != "" {
			c.Backend.Readiness = backend.Readiness
		}
	}
	if overrides.Store != nil && overrides.Store.Path != "" {
		c.Store.Path = overrides.Store.Path
	}
}

func (c *Config) expandVariables() {
	c.Store.Path = expandVars(c.Store.Path)
	c.AppService.Registration = expandVars(c.AppService.Registration)
	c.Verto.PasswordFile = expandVars(c.Verto.PasswordFile)
	c.SIP.PasswordFile = expandVars(c.SIP.PasswordFile)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %q", c.Environment))
	}

	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	} else if _, err := url.Parse(c.Homeserver.URL); err != nil {
		errs = append(errs, fmt.Errorf("homeserver.url: %w", err))
	}
	if _, err := ref.ParseServerName(c.Homeserver.Domain); err != nil {
		errs = append(errs, fmt.Errorf("homeserver.domain: %w", err))
	}

	if c.AppService.Registration == "" {
		errs = append(errs, fmt.Errorf("appservice.registration is required"))
	}
	if c.AppService.Listen == "" {
		errs = append(errs, fmt.Errorf("appservice.listen is required"))
	}
	if err := ref.ValidateLocalpart(c.AppService.UserPrefix); err != nil {
		errs = append(errs, fmt.Errorf("appservice.user_prefix: %w", err))
	}
	if err := ref.ValidateLocalpart(c.AppService.SenderLocalpart); err != nil {
		errs = append(errs, fmt.Errorf("appservice.sender_localpart: %w", err))
	}
	if c.AppService.TransactionCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("appservice.transaction_cache_size must be positive"))
	}

	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}

	for _, digit := range c.Conference.ExtensionPrefix {
		if digit < '0' || digit > '9' {
			errs = append(errs, fmt.Errorf("conference.extension_prefix must be digits, got %q", c.Conference.ExtensionPrefix))
			break
		}
	}
	if c.Conference.CandidateReplayWindow < 0 {
		errs = append(errs, fmt.Errorf("conference.candidate_replay_window must not be negative"))
	}

	if c.Backend.CandidateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("backend.candidate_timeout must be positive"))
	}
	if c.Backend.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("backend.reconnect_delay must be positive"))
	}
	switch c.Backend.Readiness {
	case ReadinessStrict, ReadinessAnyReflexive:
	default:
		errs = append(errs, fmt.Errorf("backend.readiness must be %q or %q, got %q",
			ReadinessStrict, ReadinessAnyReflexive, c.Backend.Readiness))
	}

	switch c.Backend.Type {
	case BackendVerto:
		if c.Verto.URL == "" {
			errs = append(errs, fmt.Errorf("verto.url is required for the verto backend"))
		}
		if c.Verto.Login == "" {
			errs = append(errs, fmt.Errorf("verto.login is required for the verto backend"))
		}
	case BackendSIP:
		if c.SIP.Registrar == "" {
			errs = append(errs, fmt.Errorf("sip.registrar is required for the sip backend"))
		}
		if c.SIP.Domain == "" {
			errs = append(errs, fmt.Errorf("sip.domain is required for the sip backend"))
		}
		if c.SIP.Username == "" {
			errs = append(errs, fmt.Errorf("sip.username is required for the sip backend"))
		}
		switch c.SIP.Transport {
		case "udp", "tcp", "tls":
		default:
			errs = append(errs, fmt.Errorf("sip.transport must be udp, tcp or tls, got %q", c.SIP.Transport))
		}
		if c.SIP.ListenAddr != "" {
			if _, _, err := net.SplitHostPort(c.SIP.ListenAddr); err != nil {
				errs = append(errs, fmt.Errorf("sip.listen_addr: %w", err))
			}
			if c.SIP.Transport == "tls" {
				errs = append(errs, fmt.Errorf("sip.listen_addr is not supported with the tls transport"))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("backend.type must be %q or %q, got %q", BackendVerto, BackendSIP, c.Backend.Type))
	}

	return errors.Join(errs...)
}

// ServerName returns the validated homeserver domain. Call after
// Validate.
func (c *Config) ServerName() ref.ServerName {
	server, _ := ref.ParseServerName(c.Homeserver.Domain)
	return server
}

// VertoPassword loads the Verto password into protected memory,
// preferring password_file. Returns nil when neither is set.
func (c *Config) VertoPassword() (*secret.Buffer, error) {
	return resolveSecret(c.Verto.Password, c.Verto.PasswordFile)
}

// SIPPassword loads the SIP digest password into protected memory,
// preferring password_file. Returns nil when neither is set.
func (c *Config) SIPPassword() (*secret.Buffer, error) {
	return resolveSecret(c.SIP.Password, c.SIP.PasswordFile)
}

func resolveSecret(inline, path string) (*secret.Buffer, error) {
	if path != "" {
		return secret.ReadFromPath(path)
	}
	if inline == "" {
		return nil, nil
	}
	return secret.NewFromString(inline)
}
