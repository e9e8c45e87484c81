package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/jmcleod/shelfguard/config"
	"github.com/jmcleod/shelfguard/internal/util"
)

var (
	listenAddr   string
	tlsCert      string
	tlsKey       string
	insecureHTTP bool
	logFormat    string
	logLevel     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the admin control plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyServerFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err := newLogger(os.Stderr, cfg.Server.LogFormat, cfg.Server.LogLevel)
		if err != nil {
			return err
		}
		defer memguard.Purge()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		tlsConfig, err := serverTLSConfig(cfg.Server)
		if err != nil {
			return err
		}

		// No WriteTimeout: the session liveness stream is long-lived.
		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           a.handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		a.scheduler.Start(ctx)
		defer a.scheduler.Stop()

		printBanner()
		scheme := "https"
		if tlsConfig == nil {
			scheme = "http"
			logger.Warn("serving plain HTTP; terminate TLS in front of this process")
		}
		logger.Info("server started", "addr", cfg.Server.Addr, "scheme", scheme,
			"storage", cfg.Storage.Driver, "identity", cfg.Identity.Provider, "production", cfg.Server.Production)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// applyServerFlags lets explicitly set flags override file and environment
// values.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Server.Addr = listenAddr
	}
	if flags.Changed("tls-cert") {
		cfg.Server.TLSCert = tlsCert
	}
	if flags.Changed("tls-key") {
		cfg.Server.TLSKey = tlsKey
	}
	if flags.Changed("log-format") {
		cfg.Server.LogFormat = logFormat
	}
	if flags.Changed("log-level") {
		cfg.Server.LogLevel = logLevel
	}
	if insecureHTTP {
		cfg.Server.TLSCert, cfg.Server.TLSKey = "", ""
	}
}

// serverTLSConfig returns nil for plain HTTP. Without certificate files
// a self-signed certificate is generated, unless --insecure-http is set.
func serverTLSConfig(sc config.ServerConfig) (*tls.Config, error) {
	if insecureHTTP {
		return nil, nil
	}
	var cert tls.Certificate
	var err error
	if sc.TLSCert != "" && sc.TLSKey != "" {
		cert, err = tls.LoadX509KeyPair(sc.TLSCert, sc.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		if sc.Production {
			return nil, errors.New("production mode needs server.tls_cert and server.tls_key, or --insecure-http behind a TLS proxy")
		}
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&listenAddr, "addr", ":8443", "Address to listen on")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().BoolVar(&insecureHTTP, "insecure-http", false, "Serve plain HTTP (TLS terminated upstream)")
	serverCmd.Flags().StringVar(&logFormat, "log-format", "json", "Log format: json or text")
	serverCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
}
