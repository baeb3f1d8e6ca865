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
	"path/filepath"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mvault/audit"
	"mvault/config"
	"mvault/native/access"
	"mvault/native/oracle"
	"mvault/native/pause"
	"mvault/native/token"
	"mvault/native/vault"
	"mvault/observability"
	"mvault/observability/logging"
	otelinit "mvault/observability/otel"
	"mvault/rpc"
	"mvault/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("vaultd", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := otelinit.Init(ctx, otelinit.Config{
			ServiceName: "vaultd",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.Environment == "dev",
			Headers:     otelinit.ParseHeaders(cfg.OTLPHeaders),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	kv := storage.NewKVStore(db)

	ledger := token.NewLedger(kv)
	acc := access.NewRegistry(kv)
	pauses := pause.NewRegistry(kv)

	admin, err := grantRoles(acc, cfg)
	if err != nil {
		logger.Error("Failed to grant operator roles", slog.Any("error", err))
		os.Exit(1)
	}

	params, err := engineParams(cfg)
	if err != nil {
		logger.Error("Invalid vault parameters", slog.Any("error", err))
		os.Exit(1)
	}
	engine, err := vault.NewEngine(kv, ledger, acc, acc, pauses, params)
	if err != nil {
		logger.Error("Failed to construct engine", slog.Any("error", err))
		os.Exit(1)
	}

	if _, ok, err := ledger.Metadata(params.MToken); err != nil {
		logger.Error("Failed to read mToken metadata", slog.Any("error", err))
		os.Exit(1)
	} else if !ok {
		if err := ledger.RegisterToken(params.MToken, "mTOKEN", vault.AmountDecimals); err != nil {
			logger.Error("Failed to register mToken", slog.Any("error", err))
			os.Exit(1)
		}
	}

	feeds := map[string]*oracle.CustomFeed{}
	if cfg.TokenManifest != "" {
		if feeds, err = applyManifest(engine, ledger, acc, kv, admin, cfg.TokenManifest); err != nil {
			logger.Error("Failed to apply token manifest", slog.Any("error", err))
			os.Exit(1)
		}
	}

	if limit, err := config.Amount(cfg.Vault.DailyLimit); err != nil {
		logger.Error("Invalid daily limit", slog.Any("error", err))
		os.Exit(1)
	} else if limit.Sign() > 0 {
		if err := engine.SetDailyLimit(admin, limit); err != nil {
			logger.Error("Failed to set daily limit", slog.Any("error", err))
			os.Exit(1)
		}
	}

	auditStore, err := openAuditStore(cfg)
	if err != nil {
		logger.Error("Failed to open audit store", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Audit store ready", logging.MaskField("database_url", cfg.DatabaseURL))
	recorder := audit.NewRecorder(auditStore, logger)
	engine.SetEmitter(observability.NewEventEmitter(recorder))

	secret, err := cfg.JWTSecret()
	if err != nil {
		logger.Error("Failed to resolve JWT secret", slog.Any("error", err))
		os.Exit(1)
	}
	api, err := rpc.New(rpc.Config{
		Engine:        engine,
		Audit:         auditStore,
		Feeds:         feeds,
		JWTSecret:     secret,
		RatePerMinute: float64(cfg.RatePerMinute),
		RateBurst:     cfg.RateBurst,
	})
	if err != nil {
		logger.Error("Failed to construct API server", slog.Any("error", err))
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Handler())

	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting vault API server", slog.String("addr", cfg.ListenAddress))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server shutdown failed", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

// grantRoles seeds the role registry from the configured operator lists and
// returns the first admin, which performs configuration calls at startup.
func grantRoles(acc *access.Registry, cfg *config.Config) ([20]byte, error) {
	if len(cfg.Admins) == 0 {
		return [20]byte{}, fmt.Errorf("at least one admin address required")
	}
	var admin [20]byte
	for i, raw := range cfg.Admins {
		addr, err := config.Address(raw)
		if err != nil {
			return [20]byte{}, err
		}
		if i == 0 {
			admin = addr
		}
		if err := acc.Grant(access.RoleVaultAdmin, addr); err != nil {
			return [20]byte{}, err
		}
	}
	for _, raw := range cfg.Redeemers {
		addr, err := config.Address(raw)
		if err != nil {
			return [20]byte{}, err
		}
		if err := acc.Grant(access.RoleRedeemer, addr); err != nil {
			return [20]byte{}, err
		}
	}
	for _, raw := range cfg.FeedAdmins {
		addr, err := config.Address(raw)
		if err != nil {
			return [20]byte{}, err
		}
		if err := acc.Grant(access.RoleFeedAdmin, addr); err != nil {
			return [20]byte{}, err
		}
	}
	return admin, nil
}

func engineParams(cfg *config.Config) (vault.Params, error) {
	params := vault.Params{
		MTokenFeed:        cfg.Vault.MTokenFeed,
		InstantFeeBps:     cfg.Vault.InstantFeeBps,
		VariationBps:      cfg.Vault.VariationBps,
		FiatAdditionalBps: cfg.Vault.FiatAdditionalBps,
		GreenlistEnabled:  cfg.Vault.GreenlistEnabled,
	}
	var err error
	if params.MToken, err = config.Address(cfg.Vault.MToken); err != nil {
		return params, err
	}
	if params.VaultAddress, err = config.Address(cfg.Vault.VaultAddress); err != nil {
		return params, err
	}
	if params.TokensReceiver, err = config.Address(cfg.Vault.TokensReceiver); err != nil {
		return params, err
	}
	if params.FeeReceiver, err = config.Address(cfg.Vault.FeeReceiver); err != nil {
		return params, err
	}
	if params.MinMintAmount, err = config.Amount(cfg.Vault.MinMintAmount); err != nil {
		return params, err
	}
	if params.MinMintFirstTime, err = config.Amount(cfg.Vault.MinMintFirstTime); err != nil {
		return params, err
	}
	if params.MinRedeemAmount, err = config.Amount(cfg.Vault.MinRedeemAmount); err != nil {
		return params, err
	}
	if params.MinFiatRedeem, err = config.Amount(cfg.Vault.MinFiatRedeem); err != nil {
		return params, err
	}
	if params.FiatFlatFee, err = config.Amount(cfg.Vault.FiatFlatFee); err != nil {
		return params, err
	}
	return params, nil
}

// applyManifest registers manifest feeds and tokens. Registration is
// idempotent so restarts with an unchanged manifest are safe.
func applyManifest(engine *vault.Engine, ledger *token.Ledger, acc *access.Registry, kv *storage.KVStore, admin [20]byte, path string) (map[string]*oracle.CustomFeed, error) {
	manifest, err := config.LoadManifest(path)
	if err != nil {
		return nil, err
	}
	feeds := make(map[string]*oracle.CustomFeed, len(manifest.Feeds))
	for _, feed := range manifest.Feeds {
		minAnswer, err := config.Amount(feed.MinAnswer)
		if err != nil {
			return nil, err
		}
		maxAnswer, err := config.Amount(feed.MaxAnswer)
		if err != nil {
			return nil, err
		}
		custom, err := oracle.NewCustomFeed(kv, feed.Name, feed.Decimals, minAnswer, maxAnswer, uint64(feed.MaxDeviationBps), func(addr [20]byte) bool {
			return acc.HasRole(access.RoleFeedAdmin, addr)
		})
		if err != nil {
			return nil, err
		}
		healthy := feed.HealthyDiff.Duration
		if healthy <= 0 {
			healthy = 24 * time.Hour
		}
		if err := engine.RegisterFeed(feed.Name, oracle.NewFeed(custom, minAnswer, maxAnswer, healthy)); err != nil {
			return nil, err
		}
		feeds[feed.Name] = custom
	}
	for _, tok := range manifest.Tokens {
		addr, err := config.Address(tok.Address)
		if err != nil {
			return nil, err
		}
		if _, ok, err := ledger.Metadata(addr); err != nil {
			return nil, err
		} else if !ok {
			if err := ledger.RegisterToken(addr, tok.Symbol, tok.Decimals); err != nil {
				return nil, err
			}
		}
		if _, exists, err := engine.Token(addr); err != nil {
			return nil, err
		} else if exists {
			continue
		}
		allowance, err := config.Amount(tok.Allowance)
		if err != nil {
			return nil, err
		}
		cfg := vault.TokenConfig{
			Token:    addr,
			FeedName: tok.Feed,
			FeeBps:   tok.FeeBps,
			Stable:   tok.Stable,
		}
		if allowance.Sign() > 0 {
			cfg.Allowance = allowance
		}
		if err := engine.AddPaymentToken(admin, cfg); err != nil {
			return nil, err
		}
	}
	return feeds, nil
}

func openAuditStore(cfg *config.Config) (*audit.Store, error) {
	var dialector gorm.Dialector
	if cfg.DatabaseURL != "" {
		dialector = postgres.Open(cfg.DatabaseURL)
	} else {
		dialector = sqlite.Open(filepath.Join(cfg.DataDir, "audit.db"))
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return audit.NewStore(db)
}
