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
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jmcleod/sudogate/config"
	"github.com/jmcleod/sudogate/gate"
	"github.com/jmcleod/sudogate/internal/util"
	"github.com/jmcleod/sudogate/principal"
	"github.com/jmcleod/sudogate/registry"
	"github.com/jmcleod/sudogate/session"
	"github.com/jmcleod/sudogate/stash"
	"github.com/jmcleod/sudogate/storage"
	bboltstorage "github.com/jmcleod/sudogate/storage/bbolt"
	memorystorage "github.com/jmcleod/sudogate/storage/memory"
	redisstorage "github.com/jmcleod/sudogate/storage/redis"
)

var (
	cfgFile        string
	addr           string
	tlsCert        string
	tlsKey         string
	seedPrincipals []string
)

// demoPrincipalHeader identifies the caller in the bundled demo host.
// A real deployment supplies its own PrincipalResolver against its
// session layer.
const demoPrincipalHeader = "X-Principal"

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gate in front of the demo host application",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if addr != "" {
			cfg.Server.Addr = addr
		}
		if tlsCert != "" {
			cfg.Server.TLSCert = tlsCert
		}
		if tlsKey != "" {
			cfg.Server.TLSKey = tlsKey
		}

		durable, err := bboltstorage.NewStoreFromFile(cfg.Storage.Path, nil)
		if err != nil {
			return fmt.Errorf("failed to open durable store: %w", err)
		}
		defer durable.Close()

		var ttl storage.TTLStore
		if cfg.Redis.Addr != "" {
			client := goredis.NewClient(&goredis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer client.Close()
			if err := client.Ping(cmd.Context()).Err(); err != nil {
				return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
			}
			ttl = redisstorage.NewTTLStore(client, "")
		} else {
			ttl = memorystorage.NewTTLStore()
		}

		dir := principal.NewMemoryDirectory()
		for _, seed := range seedPrincipals {
			login, password, ok := strings.Cut(seed, ":")
			if !ok {
				return fmt.Errorf("invalid --seed-principal %q, want login:password", seed)
			}
			if err := dir.Add(principal.Principal{ID: login, Login: login}, password); err != nil {
				return err
			}
		}

		policies, err := policiesFromConfig(cfg.Policies)
		if err != nil {
			return err
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		sessions := session.NewManager(durable, ttl, dir, session.Config{
			Duration:        cfg.Session.Duration,
			Grace:           cfg.Session.Grace,
			MaxAttempts:     cfg.Session.MaxAttempts,
			Lockout:         cfg.Session.Lockout,
			TwoFactorWindow: cfg.Session.TwoFactorWindow,
			SecureCookies:   cfg.Session.SecureCookies,
		}, session.WithSecondFactor(session.NewTOTPProvider(dir)))

		opts := []gate.Option{
			gate.WithLogger(logger),
			gate.WithPolicies(policies),
			gate.WithPaths(gate.Paths{Fallback: cfg.Server.Fallback}),
			gate.WithAlerts(func(e gate.AlertEvent) {
				logger.Warn("gate anomaly detected",
					"type", string(e.Type),
					"message", e.Message,
					"count", e.Count,
					"threshold", e.Threshold)
			}),
		}
		if cfg.Audit.WebhookURL != "" {
			opts = append(opts, gate.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuthHeader))
		}
		resolve := func(r *http.Request) string { return r.Header.Get(demoPrincipalHeader) }
		g := gate.New(registry.MustNew(), sessions, stash.New(ttl), ttl, resolve, opts...)
		defer g.Close()
		sessions.SetAudit(g.SessionAudit())

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/sudo", g.ChallengeRouter())
		r.Handle("/*", g.Middleware(demoHost()))

		tlsConfig, err := serverTLSConfig(cfg.Server)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Opportunistic sweep of expired elevation and lockout records.
		sweepCtx, stopSweep := context.WithCancel(context.Background())
		defer stopSweep()
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case <-ticker.C:
					if err := sessions.Sweep(sweepCtx); err != nil {
						logger.Warn("sweep failed", "error", err)
					}
				}
			}
		}()

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Printf("Starting sudogate on %s (store: %s)...\n", cfg.Server.Addr, cfg.Storage.Path)

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

func policiesFromConfig(pc config.PolicyConfiguration) (gate.Policies, error) {
	p := gate.Policies{
		API:       gate.Tier(pc.API),
		CLI:       gate.Tier(pc.CLI),
		Cron:      gate.Tier(pc.Cron),
		LegacyRPC: gate.Tier(pc.LegacyRPC),
	}
	if len(pc.APIKeyOverrides) > 0 {
		p.APIKeyOverrides = make(map[string]gate.Tier, len(pc.APIKeyOverrides))
		for id, tier := range pc.APIKeyOverrides {
			p.APIKeyOverrides[id] = gate.Tier(tier)
		}
	}
	if err := p.Validate(); err != nil {
		return gate.Policies{}, err
	}
	return p, nil
}

func serverTLSConfig(sc config.ServerConfiguration) (*tls.Config, error) {
	if sc.TLSCert != "" && sc.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(sc.TLSCert, sc.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil
	}
	cert, err := util.GenerateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	fmt.Println("Using self-signed runtime generated certificate for TLS")
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// demoHost is a stand-in host application: every admin route answers
// with a small JSON acknowledgement so the gate's behavior can be
// exercised end to end.
func demoHost() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"ok":true,"path":%q,"action":%q}`, r.URL.Path, r.Form.Get("action"))
	})
	return mux
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file")
	serverCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringArrayVar(&seedPrincipals, "seed-principal", nil, "Seed account as login:password (repeatable)")
}
