// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Callbridge joins Matrix rooms to telephone conference bridges. It
// runs as a Matrix application service: each group room is reachable
// through a virtual conference user, and 1:1 calls placed to that user
// are relayed to one conference extension on the telephony switch
// over Verto or SIP.
//
// On startup:
//  1. Loads callbridge.yaml (--config or CALLBRIDGE_CONFIG) and the
//     application service registration it names.
//  2. Opens the room pairing database.
//  3. Builds the configured backend transport and logs in. A failed
//     login is retried in the background.
//  4. Serves the application service API until SIGINT or SIGTERM.
//
// With --generate-registration it writes a fresh registration file
// and exits.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/callbridge/appservice"
	"github.com/bureau-foundation/callbridge/backend"
	"github.com/bureau-foundation/callbridge/backend/sipua"
	"github.com/bureau-foundation/callbridge/backend/verto"
	"github.com/bureau-foundation/callbridge/conference"
	"github.com/bureau-foundation/callbridge/detrickle"
	"github.com/bureau-foundation/callbridge/gateway"
	"github.com/bureau-foundation/callbridge/lib/config"
	"github.com/bureau-foundation/callbridge/lib/ref"
	"github.com/bureau-foundation/callbridge/lib/secret"
	"github.com/bureau-foundation/callbridge/lib/version"
	"github.com/bureau-foundation/callbridge/messaging"
	"github.com/bureau-foundation/callbridge/roomstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath           string
	generateRegistration bool
	url                  string
	verbose              bool
	logFormat            string
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("callbridge", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to callbridge.yaml (default: $CALLBRIDGE_CONFIG)")
	flagSet.BoolVarP(&opts.generateRegistration, "generate-registration", "r", false, "write a new registration file and exit")
	flagSet.StringVarP(&opts.url, "url", "u", "", "URL the homeserver uses to reach the bridge (with --generate-registration)")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	flagSet.StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")
	showVersion := flagSet.Bool("version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if *showVersion {
		version.Print(os.Stdout, "callbridge")
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	logger, err := newLogger(os.Stderr, opts.logFormat, opts.verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	if opts.generateRegistration {
		return writeRegistration(cfg, opts.url, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `callbridge relays Matrix VoIP calls into telephone conference bridges.

Usage:
  callbridge [flags]

Flags:
%s`, flagSet.FlagUsages())
}

func newLogger(w io.Writer, format string, verbose bool) (*slog.Logger, error) {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		options.Level = slog.LevelDebug
	}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("--log-format must be text or json, got %q", format)
	}
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func writeRegistration(cfg *config.Config, url string, logger *slog.Logger) error {
	if url == "" {
		url = cfg.AppService.URL
	}
	registration, err := appservice.NewRegistration(appservice.RegistrationParams{
		ID:              cfg.AppService.ID,
		URL:             url,
		SenderLocalpart: cfg.AppService.SenderLocalpart,
		UserPrefix:      cfg.AppService.UserPrefix,
	})
	if err != nil {
		return err
	}
	if err := registration.Save(cfg.AppService.Registration); err != nil {
		return err
	}
	logger.Info("registration written", "path", cfg.AppService.Registration, "url", url)
	return nil
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registration, err := appservice.LoadRegistration(cfg.AppService.Registration)
	if err != nil {
		return err
	}
	asToken, hsToken, err := registration.Tokens()
	if err != nil {
		return err
	}
	defer asToken.Close()
	defer hsToken.Close()

	store, err := roomstore.Open(cfg.Store.Path, logger.With("component", "roomstore"))
	if err != nil {
		return err
	}
	defer store.Close()

	matrix, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		ASToken:       asToken,
		Logger:        logger.With("component", "messaging"),
	})
	if err != nil {
		return err
	}
	if versions, err := matrix.ServerVersions(ctx); err != nil {
		logger.Warn("homeserver unreachable at startup", "url", cfg.Homeserver.URL, "error", err)
	} else {
		logger.Info("homeserver reachable", "url", cfg.Homeserver.URL, "versions", versions.Versions)
	}

	identity, err := gateway.NewIdentity(cfg.AppService.UserPrefix, cfg.ServerName())
	if err != nil {
		return err
	}
	sender, err := ref.NewUserID(registration.SenderLocalpart, cfg.ServerName())
	if err != nil {
		return fmt.Errorf("sender_localpart: %w", err)
	}

	policy, err := detrickle.ParsePolicy(cfg.Backend.Readiness)
	if err != nil {
		return err
	}
	registry := conference.NewRegistry(
		conference.NewExtensionPool(cfg.Conference.ExtensionPrefix),
		logger.With("component", "conference"),
	)

	// The transport needs the router's handler and the router needs
	// the endpoint built on the transport. Backend events only flow
	// after Login, by which time router is set.
	var router *gateway.Router
	handler := backend.HandlerFunc(func(ctx context.Context, event backend.Event) error {
		return router.HandleBackendEvent(ctx, event)
	})

	transport, closeSecrets, err := newTransport(cfg, handler, logger)
	if err != nil {
		return err
	}
	defer closeSecrets()

	endpoint, err := backend.NewEndpoint(backend.EndpointConfig{
		Registry:         registry,
		Transport:        transport,
		Reconciler:       &detrickle.Reconciler{Policy: policy, Logger: logger.With("component", "detrickle")},
		Handler:          handler,
		CandidateTimeout: cfg.Backend.CandidateTimeout,
		Logger:           logger.With("component", "backend"),
	})
	if err != nil {
		transport.Close()
		return err
	}
	defer endpoint.Close()

	router, err = gateway.NewRouter(gateway.RouterConfig{
		Registry:     registry,
		Endpoint:     endpoint,
		Matrix:       matrix,
		Store:        store,
		Identity:     identity,
		DisplayName:  cfg.AppService.DisplayName,
		ReplayWindow: cfg.Conference.CandidateReplayWindow,
		Logger:       logger.With("component", "gateway"),
	})
	if err != nil {
		return err
	}

	if err := endpoint.Login(ctx); err != nil {
		logger.Error("backend login failed, retrying in the background",
			"backend", cfg.Backend.Type, "error", err)
	} else {
		logger.Info("backend logged in", "backend", cfg.Backend.Type)
	}

	server, err := appservice.NewServer(appservice.Config{
		HSToken:              hsToken,
		Dispatcher:           router,
		Identity:             identity,
		Sender:               sender,
		TransactionCacheSize: cfg.AppService.TransactionCacheSize,
		TransactionCacheTTL:  cfg.AppService.TransactionCacheTTL,
		Logger:               logger.With("component", "appservice"),
	})
	if err != nil {
		return err
	}

	logger.Info("callbridge starting",
		"version", version.Info(),
		"environment", cfg.Environment,
		"backend", cfg.Backend.Type,
		"readiness", policy.String(),
		"extension_prefix", cfg.Conference.ExtensionPrefix,
	)
	return server.Serve(ctx, cfg.AppService.Listen)
}

// newTransport builds the configured backend. The returned cleanup
// closes the password buffer after the transport is done with it.
func newTransport(cfg *config.Config, handler backend.Handler, logger *slog.Logger) (backend.Transport, func(), error) {
	switch cfg.Backend.Type {
	case config.BackendVerto:
		password, err := cfg.VertoPassword()
		if err != nil {
			return nil, nil, err
		}
		client, err := verto.New(verto.Config{
			URL:            cfg.Verto.URL,
			Login:          cfg.Verto.Login,
			Password:       password,
			DialogParams:   cfg.Verto.DialogParams,
			ReconnectDelay: cfg.Backend.ReconnectDelay,
			Handler:        handler,
			Logger:         logger.With("component", "verto"),
		})
		if err != nil {
			closePassword(password)
			return nil, nil, err
		}
		return client, func() { closePassword(password) }, nil

	case config.BackendSIP:
		password, err := cfg.SIPPassword()
		if err != nil {
			return nil, nil, err
		}
		client, err := sipua.New(sipua.Config{
			Registrar:      cfg.SIP.Registrar,
			Domain:         cfg.SIP.Domain,
			Username:       cfg.SIP.Username,
			Password:       password,
			Transport:      cfg.SIP.Transport,
			ListenHost:     cfg.SIP.ListenHost,
			ListenAddr:     cfg.SIP.ListenAddr,
			Expires:        cfg.SIP.Expires,
			ReconnectDelay: cfg.Backend.ReconnectDelay,
			Handler:        handler,
			Logger:         logger.With("component", "sip"),
		})
		if err != nil {
			closePassword(password)
			return nil, nil, err
		}
		return client, func() { closePassword(password) }, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend type %q", cfg.Backend.Type)
	}
}

func closePassword(password *secret.Buffer) {
	if password != nil {
		password.Close()
	}
}
