package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailrelay/internal/credential"
	"github.com/nhle/mailrelay/internal/logging"
	"github.com/nhle/mailrelay/internal/mailbox/email"
	"github.com/nhle/mailrelay/internal/model"
	"github.com/nhle/mailrelay/internal/relay"
	"github.com/nhle/mailrelay/internal/server"
	"github.com/nhle/mailrelay/internal/store"
)

func newServeCommand(configPath *string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the relay HTTP server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := model.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			log, err := logging.New(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen")

	return cmd
}

func serve(ctx context.Context, cfg *model.Config, log *logrus.Logger) error {
	creds, err := credential.Resolve(cfg.Auth, credential.OpenKeyring)
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	audit, err := openAudit(cfg.Audit)
	if err != nil {
		return err
	}
	defer func() {
		if err := audit.Close(); err != nil {
			log.WithError(err).Warn("Failed to close audit log")
		}
	}()

	dialer := email.NewDialer(email.Options{
		DialTimeout: cfg.Backend.DialTimeout,
		CallTimeout: cfg.Backend.CallTimeout,
		TLSConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.Backend.TLSInsecureSkipVerify, //nolint:gosec
		},
	}, log.WithField("component", "imap"))

	r := relay.New(creds, dialer, cfg.Backend.MaxBatchSize, log.WithField("component", "relay"))

	srv := server.New(r, audit, server.Options{
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
		AuthRate:        cfg.Server.AuthRate,
		AuthBurst:       cfg.Server.AuthBurst,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, log.WithField("component", "http"))

	pruner := store.NewPruner(audit, cfg.Audit.Retention, cfg.Audit.PruneInterval, log.WithField("component", "audit"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Server.Listen)
	})
	if cfg.Audit.DBPath != "" {
		g.Go(func() error {
			return pruner.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("Relay stopped")
	return nil
}

// openAudit opens the audit log, or a no-op store when none is configured.
func openAudit(cfg model.AuditConfig) (store.Store, error) {
	if cfg.DBPath == "" {
		return store.Nop{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return s, nil
}
