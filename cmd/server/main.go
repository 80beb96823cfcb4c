package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/issuance-engine/internal/api"
	"github.com/atmx/issuance-engine/internal/auction"
	"github.com/atmx/issuance-engine/internal/auth"
	"github.com/atmx/issuance-engine/internal/config"
	"github.com/atmx/issuance-engine/internal/eligibility"
	"github.com/atmx/issuance-engine/internal/events"
	"github.com/atmx/issuance-engine/internal/ledger"
	"github.com/atmx/issuance-engine/internal/lock"
	"github.com/atmx/issuance-engine/internal/metrics"
	"github.com/atmx/issuance-engine/internal/offering"
	"github.com/atmx/issuance-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("issuance-engine failed", "err", err)
		os.Exit(1)
	}
	fmt.Println("issuance-engine stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var rdb *redis.Client
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration)
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Lock ---
	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.DistributedLock {
		locker = lock.NewRedis(rdb, cfg.Redis.LockTTL.Duration)
		slog.Info("distributed lock enabled", "ttl", cfg.Redis.LockTTL.Duration)
	}

	// --- Ledgers ---
	// The issued token and the payment asset are external collaborators; this
	// service runs them in memory, written through to the store when it
	// persists, so custody balances backing bonds survive a restart.
	token := ledger.NewMemoryToken(uint8(cfg.Auction.Decimals))
	asset := ledger.NewMemoryAsset()
	if cfg.Database.URL != "" {
		if err := token.Attach(ctx, st, "token"); err != nil {
			return err
		}
		if err := asset.Attach(ctx, st, "payment"); err != nil {
			return err
		}
		slog.Info("ledger balances restored", "supply", token.TotalSupply().Dec())
	}
	custody := &ledger.Custody{
		Token:   token,
		Payment: asset,
		Account: config.Address(cfg.Auction.Custody),
	}

	// --- Events ---
	wsHub := api.NewWSHub()
	emitter := events.Multi{events.Logger{Log: logger}, metrics.Recorder{}, wsHub}

	// --- Engine ---
	operators := make([]common.Address, 0, len(cfg.Auction.Operators))
	for _, op := range cfg.Auction.Operators {
		operators = append(operators, config.Address(op))
	}
	minFill, err := config.Amount(cfg.Auction.MinFill)
	if err != nil {
		return err
	}
	deps := auction.Deps{
		Store:   st,
		Custody: custody,
		Auth:    auth.NewRoles(config.Address(cfg.Auction.Owner), operators...),
		Locker:  locker,
		Gate:    eligibility.NewGate(st, config.OptionalAddress(cfg.Auction.Signer)),
		Events:  emitter,
		Logger:  logger,
	}
	beneficiary := config.Address(cfg.Auction.Beneficiary)

	var settler auction.Settler
	var bonds *auction.Bonds
	switch strings.ToLower(cfg.Auction.Variant) {
	case "bond":
		bonds = auction.NewBonds(deps, cfg.Auction.RedemptionWindow.Duration, beneficiary)
		settler = bonds
	default:
		settler = auction.NewImmediate(custody, beneficiary)
	}
	engine := auction.NewEngine(auction.Config{
		MinFillAmount: minFill,
		MaxStartDelay: cfg.Auction.MaxStartDelay.Duration,
		MaxDuration:   cfg.Auction.MaxDuration.Duration,
	}, deps, settler)
	slog.Info("allocation engine ready", "variant", cfg.Auction.Variant, "decimals", cfg.Auction.Decimals)

	// --- Offering ---
	var off *offering.Offering
	if cfg.Offering.Enabled {
		offCfg, err := offeringConfig(cfg)
		if err != nil {
			return err
		}
		off, err = offering.New(offCfg, offering.Deps{
			Store:   st,
			Custody: custody,
			Locker:  locker,
			Gate:    eligibility.NewGate(st, config.OptionalAddress(cfg.Offering.Signer)),
			Events:  emitter,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		slog.Info("deposit offering enabled", "cap", cfg.Offering.Cap)
	}

	var faucet api.Faucet
	if cfg.Dev.Faucet {
		faucet = asset
		slog.Warn("dev faucet enabled")
	}

	svc := api.NewService(api.Options{
		Engine:          engine,
		Bonds:           bonds,
		Offering:        off,
		Token:           token,
		Payment:         asset,
		PaymentDecimals: uint8(cfg.Auction.PaymentDecimals),
		Faucet:          faucet,
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
				"Content-Type", api.HeaderAddress, api.HeaderTimestamp, api.HeaderSignature,
			}, ", "))
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"issuance-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// Mutating routes act as the account that signed the request.
	authn := api.NewAuthenticator(st, cfg.Server.RequestSkew.Duration, nil)

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for committed events.
		r.Get("/ws", wsHub.HandleWS)
		svc.Routes(r, authn)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wsHub.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("issuance-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Graceful shutdown.
		<-gctx.Done()
		slog.Info("shutting down issuance-engine...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func offeringConfig(cfg *config.Config) (offering.Config, error) {
	o := cfg.Offering
	out := offering.Config{
		PremiumBps: uint64(o.PremiumBps),
		Owner:      config.Address(cfg.Auction.Owner),
	}
	var err error
	if out.Cap, err = config.Amount(o.Cap); err != nil {
		return offering.Config{}, fmt.Errorf("offering cap: %w", err)
	}
	if out.MinDeposit, err = config.Amount(o.MinDeposit); err != nil {
		return offering.Config{}, fmt.Errorf("offering min_deposit: %w", err)
	}
	if out.MaxDeposit, err = config.Amount(o.MaxDeposit); err != nil {
		return offering.Config{}, fmt.Errorf("offering max_deposit: %w", err)
	}
	if out.Rate, err = config.Amount(o.Rate); err != nil {
		return offering.Config{}, fmt.Errorf("offering rate: %w", err)
	}
	return out, nil
}
