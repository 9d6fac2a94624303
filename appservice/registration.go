// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appservice

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/callbridge/lib/secret"
)

// tokenBytes is the entropy of a generated as_token or hs_token.
const tokenBytes = 32

// Registration is the application service registration file shared
// with the homeserver.
type Registration struct {
	ID              string     `yaml:"id"`
	URL             string     `yaml:"url"`
	ASToken         string     `yaml:"as_token"`
	HSToken         string     `yaml:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart"`
	RateLimited     bool       `yaml:"rate_limited"`
	Namespaces      Namespaces `yaml:"namespaces"`
}

// Namespaces lists the identifiers the application service claims.
type Namespaces struct {
	Users   []Namespace `yaml:"users"`
	Aliases []Namespace `yaml:"aliases"`
	Rooms   []Namespace `yaml:"rooms"`
}

// Namespace is one claimed regular expression.
type Namespace struct {
	Exclusive bool   `yaml:"exclusive"`
	Regex     string `yaml:"regex"`
}

// RegistrationParams are the inputs to NewRegistration.
type RegistrationParams struct {
	ID              string
	URL             string
	SenderLocalpart string
	UserPrefix      string
}

// NewRegistration builds a registration with fresh random tokens that
// claims every user whose localpart starts with UserPrefix.
func NewRegistration(params RegistrationParams) (*Registration, error) {
	if params.ID == "" {
		return nil, fmt.Errorf("appservice: registration id is required")
	}
	if params.URL == "" {
		return nil, fmt.Errorf("appservice: registration url is required")
	}
	if params.SenderLocalpart == "" {
		return nil, fmt.Errorf("appservice: sender localpart is required")
	}
	if params.UserPrefix == "" {
		return nil, fmt.Errorf("appservice: user prefix is required")
	}

	asToken, err := generateToken()
	if err != nil {
		return nil, err
	}
	hsToken, err := generateToken()
	if err != nil {
		return nil, err
	}

	return &Registration{
		ID:              params.ID,
		URL:             params.URL,
		ASToken:         asToken,
		HSToken:         hsToken,
		SenderLocalpart: params.SenderLocalpart,
		Namespaces: Namespaces{
			Users: []Namespace{{
				Exclusive: true,
				Regex:     "@" + regexp.QuoteMeta(params.UserPrefix) + ".*",
			}},
			Aliases: []Namespace{},
			Rooms:   []Namespace{},
		},
	}, nil
}

func generateToken() (string, error) {
	buffer := make([]byte, tokenBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("appservice: generating token: %w", err)
	}
	return hex.EncodeToString(buffer), nil
}

// LoadRegistration reads and validates a registration file.
func LoadRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("appservice: %w", err)
	}
	var registration Registration
	if err := yaml.Unmarshal(data, &registration); err != nil {
		return nil, fmt.Errorf("appservice: parsing %s: %w", path, err)
	}
	if registration.ASToken == "" || registration.HSToken == "" {
		return nil, fmt.Errorf("appservice: %s is missing as_token or hs_token", path)
	}
	if registration.SenderLocalpart == "" {
		return nil, fmt.Errorf("appservice: %s is missing sender_localpart", path)
	}
	return &registration, nil
}

// Save writes the registration to path with owner-only permissions,
// creating the parent directory if needed. The write goes through a
// temporary file so a reader never sees a partial registration.
func (r *Registration) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("appservice: encoding registration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("appservice: %w", err)
	}
	temporary := path + ".tmp"
	if err := os.WriteFile(temporary, data, 0o600); err != nil {
		return fmt.Errorf("appservice: %w", err)
	}
	if err := os.Rename(temporary, path); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("appservice: %w", err)
	}
	return nil
}

// Tokens copies the as_token and hs_token into secret buffers. The
// caller closes both.
func (r *Registration) Tokens() (asToken, hsToken *secret.Buffer, err error) {
	asToken, err = secret.NewFromString(r.ASToken)
	if err != nil {
		return nil, nil, fmt.Errorf("appservice: as_token: %w", err)
	}
	hsToken, err = secret.NewFromString(r.HSToken)
	if err != nil {
		asToken.Close()
		return nil, nil, fmt.Errorf("appservice: hs_token: %w", err)
	}
	return asToken, hsToken, nil
}
