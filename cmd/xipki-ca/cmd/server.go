package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/coolhoo/xipki/api"
	"github.com/coolhoo/xipki/audit"
	"github.com/coolhoo/xipki/ca"
	"github.com/coolhoo/xipki/config"
	"github.com/coolhoo/xipki/storage"
	bboltstorage "github.com/coolhoo/xipki/storage/bbolt"
	memorystorage "github.com/coolhoo/xipki/storage/memory"
	postgresstorage "github.com/coolhoo/xipki/storage/postgres"
)

var configFile string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the CA server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
		}
		logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		ctx := cmd.Context()
		repo, closeRepo, err := openRepository(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		defer closeRepo()

		registry := ca.NewRegistry()
		resolver := api.NewStaticResolver()
		sink := audit.NewSlogSink(logger)
		for _, cc := range cfg.CAs {
			authority, err := cc.BuildAuthority(ctx, repo,
				ca.WithAuditSink(sink), ca.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := registry.Register(authority, cc.Aliases...); err != nil {
				return err
			}
			requestors, err := cc.BuildRequestors()
			if err != nil {
				return err
			}
			for _, requestor := range requestors {
				resolver.AddBasic(cc.Name, requestor.Requestor, requestor.Password)
			}
			if authority.ExpiresSoon(time.Now()) {
				logger.Warn("CA certificate expires soon", "ca", cc.Name)
			}
		}

		a := api.New(registry, resolver, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		useTLS := cfg.Server.TLSCert != "" && cfg.Server.TLSKey != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
				ClientAuth:   tls.RequestClientCert,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
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

		fmt.Printf("Starting CA server on %s (%d CAs)...\n", cfg.Server.Addr, len(cfg.CAs))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// openRepository opens the configured persistence backend.
func openRepository(ctx context.Context, sc config.StorageConfig) (storage.Repository, func(), error) {
	switch sc.Backend {
	case "memory":
		return memorystorage.NewRepository(), func() {}, nil
	case "bbolt":
		store, err := bboltstorage.NewRepositoryFromFile(sc.Path, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open certificate store: %w", err)
		}
		return store, func() { store.Close() }, nil
	case "postgres":
		store, err := postgresstorage.NewRepositoryFromDSN(ctx, sc.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open certificate store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&configFile, "config", "c", "ca.yaml", "Path to the configuration file")
}
