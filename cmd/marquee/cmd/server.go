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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jmcleod/marquee/api"
	"github.com/jmcleod/marquee/auth"
	"github.com/jmcleod/marquee/cookie"
	"github.com/jmcleod/marquee/csrf"
	"github.com/jmcleod/marquee/internal/util"
	"github.com/jmcleod/marquee/ratelimit"
	"github.com/jmcleod/marquee/storage"
	bboltstorage "github.com/jmcleod/marquee/storage/bbolt"
	"github.com/jmcleod/marquee/storage/memory"
	pgstorage "github.com/jmcleod/marquee/storage/postgres"
	redisstorage "github.com/jmcleod/marquee/storage/redis"
	"github.com/jmcleod/marquee/token"
	"github.com/jmcleod/marquee/users"
)

const (
	secretEnv     = "MARQUEE_SESSION_SECRET"
	sweepInterval = time.Minute
)

var (
	port           int
	production     bool
	usersFile      string
	sessionTTL     time.Duration
	tlsCert        string
	tlsKey         string
	redisAddr      string
	postgresDSN    string
	bboltPath      string
	lockThreshold  int
	addrThreshold  int
	lockWindow     time.Duration
	lockCooldown   time.Duration
	trustedProxies []string
	webhookURL     string
	webhookAuth    string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication server",
	Long: `Start the authentication server.

The session signing secret is read from ` + secretEnv + ` and must be at
least 32 bytes. Failed-login counters are kept in Redis, PostgreSQL or a
bbolt file when one is configured, and in memory otherwise. Only the shared
backends are correct when several instances serve the same users.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		secret := []byte(os.Getenv(secretEnv))
		if len(secret) < token.MinSecretLen {
			return fmt.Errorf("%s must be set to at least %d bytes", secretEnv, token.MinSecretLen)
		}
		codec, err := token.NewCodec(secret)
		util.WipeBytes(secret)
		if err != nil {
			return fmt.Errorf("creating token codec: %w", err)
		}

		dir, err := users.LoadFile(usersFile)
		if err != nil {
			return err
		}
		if dir.Len() == 0 {
			logger.Warn("users file has no entries; every login will fail", "path", usersFile)
		}

		proxies, err := api.ParseTrustedProxies(trustedProxies)
		if err != nil {
			return fmt.Errorf("parsing trusted proxies: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := openStore(ctx, logger)
		if err != nil {
			return err
		}
		defer store.close()
		if store.sweep != nil {
			go sweepLoop(ctx, logger, store.sweep)
		}

		transport := cookie.New(cookie.Config{Production: production, SessionMaxAge: sessionTTL})
		guard := csrf.New(transport)
		// api.New attaches the audit hooks to both.
		authn := auth.New(codec, transport, guard)
		limiter := ratelimit.New(store.CounterStore, ratelimit.Config{
			Threshold:        lockThreshold,
			Window:           lockWindow,
			Cooldown:         lockCooldown,
			AddressThreshold: addrThreshold,
		})

		a, err := api.New(authn, guard, limiter, dir,
			api.WithLogger(logger),
			api.WithProduction(production),
			api.WithTrustedProxies(proxies),
			api.WithAuditWebhook(webhookURL, webhookAuth),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("security alert", "type", e.Type, "message", e.Message, "count", e.Count)
			}),
		)
		if err != nil {
			return err
		}
		defer a.Close()

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(middleware.Timeout(30 * time.Second))
		r.Mount("/", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else if production {
			logger.Warn("serving plain HTTP in production; cookies are Secure and need a TLS-terminating proxy")
		}

		done := make(chan error, 1)
		go func() {
			var err error
			if server.TLSConfig != nil {
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

		printBanner()
		fmt.Printf("Starting server on port %d (counters: %s, users: %d)...\n", port, store.name, dir.Len())

		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
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

// counterBackend is the selected counter store with its housekeeping hooks.
type counterBackend struct {
	storage.CounterStore
	name  string
	sweep func(ctx context.Context, now time.Time) error
	close func()
}

// openStore picks the first configured backend: Redis, then PostgreSQL,
// then bbolt, falling back to memory.
func openStore(ctx context.Context, logger *slog.Logger) (*counterBackend, error) {
	switch {
	case redisAddr != "":
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{Addrs: strings.Split(redisAddr, ",")})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		// Redis expires keys itself.
		return &counterBackend{
			CounterStore: redisstorage.NewStore(client, "marquee:"),
			name:         "redis",
			close:        func() { client.Close() },
		}, nil

	case postgresDSN != "":
		s, err := pgstorage.NewStoreFromDSN(ctx, postgresDSN)
		if err != nil {
			return nil, err
		}
		return &counterBackend{
			CounterStore: s,
			name:         "postgres",
			sweep: func(ctx context.Context, now time.Time) error {
				n, err := s.Sweep(ctx, now)
				if n > 0 {
					logger.Debug("swept expired counters", "count", n)
				}
				return err
			},
			close: s.Close,
		}, nil

	case bboltPath != "":
		s, err := bboltstorage.NewStoreFromFile(bboltPath, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open counter storage: %w", err)
		}
		return &counterBackend{
			CounterStore: s,
			name:         "bbolt",
			sweep:        func(_ context.Context, now time.Time) error { return s.Sweep(now) },
			close:        func() { s.Close() },
		}, nil
	}

	s := memory.NewStore()
	return &counterBackend{
		CounterStore: s,
		name:         "memory",
		sweep: func(_ context.Context, now time.Time) error {
			s.Sweep(now)
			return nil
		},
		close: func() {},
	}, nil
}

func sweepLoop(ctx context.Context, logger *slog.Logger, sweep func(context.Context, time.Time) error) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := sweep(ctx, now); err != nil {
				logger.Warn("sweeping counters failed", "error", err)
			}
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v || os.Getenv(key) == "production"
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.IntVarP(&port, "port", "p", 8080, "Port to listen on")
	f.BoolVar(&production, "production", envBool("MARQUEE_ENV"), "Mark cookies Secure and send HSTS (env MARQUEE_ENV=production)")
	f.StringVar(&usersFile, "users", envOr("MARQUEE_USERS_FILE", "users.yaml"), "Path to the YAML users file")
	f.DurationVar(&sessionTTL, "session-ttl", cookie.DefaultSessionMaxAge, "Session lifetime")
	f.StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	f.StringVar(&redisAddr, "redis-addr", envOr("MARQUEE_REDIS_ADDR", ""), "Redis address(es), comma separated, for shared counters")
	f.StringVar(&postgresDSN, "postgres-dsn", envOr("MARQUEE_POSTGRES_DSN", ""), "PostgreSQL DSN for shared counters")
	f.StringVar(&bboltPath, "bbolt", "", "bbolt file for counters that survive restarts")
	f.IntVar(&lockThreshold, "lockout-threshold", ratelimit.DefaultThreshold, "Failed logins that lock an account")
	f.IntVar(&addrThreshold, "address-threshold", ratelimit.DefaultAddressThreshold, "Failed logins that lock a client address (0 disables)")
	f.DurationVar(&lockWindow, "lockout-window", ratelimit.DefaultWindow, "Window in which failures accumulate")
	f.DurationVar(&lockCooldown, "lockout-cooldown", ratelimit.DefaultCooldown, "How long a lock lasts")
	f.StringSliceVar(&trustedProxies, "trusted-proxies", nil, "Proxy CIDRs whose X-Forwarded-For is believed")
	f.StringVar(&webhookURL, "audit-webhook", envOr("MARQUEE_AUDIT_WEBHOOK", ""), "URL that receives audit events as JSON")
	f.StringVar(&webhookAuth, "audit-webhook-header", envOr("MARQUEE_AUDIT_WEBHOOK_HEADER", ""), `Header sent to the webhook, as "Name: Value"`)
}
