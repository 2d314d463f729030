package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/havenhealth/auditvault/internal/chain"
	"github.com/havenhealth/auditvault/internal/health"
	"github.com/havenhealth/auditvault/internal/ledger"
	"github.com/havenhealth/auditvault/internal/retention"
	"github.com/havenhealth/auditvault/internal/scheduler"
	"github.com/havenhealth/auditvault/internal/server"
	"github.com/havenhealth/auditvault/internal/vault"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("auditd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("auditd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.auditor_secret", "")
	viper.SetDefault("server.compliance_secret", "")
	viper.SetDefault("server.token_ttl", "8h")
	viper.SetDefault("server.issuer_url", "")
	viper.SetDefault("vault.root", "vaultdata")
	viper.SetDefault("vault.compression", true)
	viper.SetDefault("vault.backups", true)
	viper.SetDefault("ledger.dir", "vaultdata/ledger")
	viper.SetDefault("ledger.resident_limit", 10000)
	viper.SetDefault("chain.difficulty", 4)
	viper.SetDefault("chain.max_block_events", 1000)
	viper.SetDefault("chain.seal_interval", "1m")
	viper.SetDefault("retention.state_dir", "vaultdata/retention")
	viper.SetDefault("retention.cleanup_interval", "24h")
	viper.SetDefault("retention.cleanup_days", 2190)
	viper.SetDefault("retention.hold_review_interval", "168h")
	viper.SetDefault("health.check_interval", "1m")
	viper.SetDefault("database.url", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Keystore and encrypted store ─────────────────────────────────────────
	vaultRoot := viper.GetString("vault.root")
	ks, err := vault.OpenKeystore(vaultRoot+"/keys", logger)
	if err != nil {
		return fmt.Errorf("open keystore: %w", err)
	}
	store, err := vault.NewStore(vaultRoot, ks, logger)
	if err != nil {
		return fmt.Errorf("open vault store: %w", err)
	}
	store.SetCompression(viper.GetBool("vault.compression"))
	store.SetBackups(viper.GetBool("vault.backups"))
	logger.Info("vault ready",
		zap.String("root", vaultRoot),
		zap.Int("key_version", ks.CurrentVersion()),
	)

	// ── Event ledger ─────────────────────────────────────────────────────────
	auditLedger := ledger.New(ks.SigningKey(), viper.GetString("ledger.dir"), ks, logger)
	auditLedger.SetResidentLimit(viper.GetInt("ledger.resident_limit"))

	// Optional Postgres mirror for fast queries over large histories.
	var db *pgxpool.Pool
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err = pgxpool.New(context.Background(), dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(context.Background()); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		mirror := ledger.NewPostgresMirror(db, logger)
		if err := mirror.Migrate(context.Background()); err != nil {
			return fmt.Errorf("migrate audit mirror: %w", err)
		}
		auditLedger.SetMirror(mirror)
		logger.Info("postgres mirror enabled")
	}

	startCtx := context.Background()
	if err := auditLedger.Open(startCtx); err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer auditLedger.Close() //nolint:errcheck

	// Ledger records are sealed through the keystore, so rotation sweeps and
	// key destruction must carry them along.
	store.SetResealer(auditLedger)

	// ── Chain verifier ───────────────────────────────────────────────────────
	verifier := chain.NewVerifier(ks.SigningKey(), logger)
	verifier.SetDifficulty(viper.GetInt("chain.difficulty"))
	verifier.SetMaxBlockEvents(viper.GetInt("chain.max_block_events"))
	verifier.SetArchive(store)
	logger.Info("chain verifier ready", zap.Int("height", verifier.Height()))

	// ── Retention engine ─────────────────────────────────────────────────────
	stateStore, err := retention.NewStateStore(viper.GetString("retention.state_dir"), store.CertificatesDir())
	if err != nil {
		return fmt.Errorf("open retention state: %w", err)
	}
	engine, err := retention.NewEngine(stateStore, auditLedger, store, logger)
	if err != nil {
		return fmt.Errorf("start retention engine: %w", err)
	}
	engine.SetChainRedactor(verifier)

	// ── Health checks ────────────────────────────────────────────────────────
	checker := health.New(health.Config{
		CheckInterval: viper.GetDuration("health.check_interval"),
	}, logger)
	checker.Register("vault", func(ctx context.Context) error {
		_, err := store.ListFiles()
		return err
	})
	checker.Register("ledger", func(ctx context.Context) error {
		_, err := auditLedger.Query(ledger.Criteria{Limit: 1})
		return err
	})
	if db != nil {
		checker.Register("postgres", func(ctx context.Context) error {
			return db.Ping(ctx)
		})
	}

	// ── Background jobs ──────────────────────────────────────────────────────
	jobCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()

	jobs := scheduler.New(logger)
	jobs.Add(scheduler.Job{
		Name:     "seal-staged-events",
		Interval: viper.GetDuration("chain.seal_interval"),
		Timeout:  5 * time.Minute,
		Run: func(ctx context.Context) error {
			batch := auditLedger.TakeBatch()
			if len(batch) == 0 {
				return nil
			}
			blocks, err := verifier.AddEvents(ctx, batch)
			if err != nil {
				// Mining can fail on timeout or a concurrent rotation; the
				// batch goes back on the staging buffer for the next tick.
				auditLedger.Restage(batch)
				return err
			}
			server.RecordBlocksSealed(len(blocks))
			if _, err := store.StoreEvents(ctx, batch, ""); err != nil {
				return fmt.Errorf("persist sealed batch: %w", err)
			}
			return nil
		},
	})
	jobs.Add(scheduler.Job{
		Name:     "cleanup-expired-files",
		Interval: viper.GetDuration("retention.cleanup_interval"),
		Timeout:  30 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := engine.CleanupExpired(ctx, viper.GetInt("retention.cleanup_days"))
			return err
		},
	})
	jobs.Add(scheduler.Job{
		Name:     "review-legal-holds",
		Interval: viper.GetDuration("retention.hold_review_interval"),
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			_, err := engine.ReviewHolds(time.Time{})
			return err
		},
	})
	jobs.Add(scheduler.Job{
		Name:     "health-checks",
		Interval: checker.Interval(),
		Timeout:  time.Minute,
		Run:      checker.RunAll,
	})
	jobs.Start(jobCtx)

	// ── HTTP server ──────────────────────────────────────────────────────────
	httpPort := viper.GetInt("server.port")
	issuerURL := viper.GetString("server.issuer_url")
	if issuerURL == "" {
		issuerURL = fmt.Sprintf("http://localhost:%d", httpPort)
	}
	tokens := server.NewTokenIssuer(ks.SigningKey(), issuerURL, viper.GetDuration("server.token_ttl"))

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(
		server.Config{
			CORSOrigins:      viper.GetStringSlice("server.cors_origins"),
			RateLimitRPS:     viper.GetInt("server.rate_limit_rps"),
			AuditorSecret:    viper.GetString("server.auditor_secret"),
			ComplianceSecret: viper.GetString("server.compliance_secret"),
		},
		server.Deps{
			Tokens:    tokens,
			Events:    server.NewEventHandler(auditLedger, logger),
			Chain:     server.NewChainHandler(verifier, auditLedger, logger),
			Vault:     server.NewVaultHandler(store, logger),
			Retention: server.NewRetentionHandler(engine, auditLedger, logger),
			Health:    checker,
		},
		logger,
	)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("auditd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down auditd...")

	stopJobs()
	jobs.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	// Seal whatever is still staged so no event is left outside a block.
	if batch := auditLedger.TakeBatch(); len(batch) > 0 {
		if _, err := verifier.AddEvents(ctx, batch); err != nil {
			auditLedger.Restage(batch)
			logger.Error("final seal failed", zap.Error(err))
		} else if _, err := store.StoreEvents(ctx, batch, ""); err != nil {
			logger.Error("final batch persist failed", zap.Error(err))
		}
	}

	logger.Info("auditd stopped")
	return nil
}
