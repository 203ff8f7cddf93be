package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PBLIZZ/app-omnicrm-sub004/internal/auth"
	"github.com/PBLIZZ/app-omnicrm-sub004/internal/crm"
	"github.com/PBLIZZ/app-omnicrm-sub004/internal/metrics"
	"github.com/PBLIZZ/app-omnicrm-sub004/internal/quota"
	"github.com/PBLIZZ/app-omnicrm-sub004/internal/recorder"
	"github.com/PBLIZZ/app-omnicrm-sub004/internal/registry"
	"github.com/PBLIZZ/app-omnicrm-sub004/internal/server"
	"github.com/PBLIZZ/app-omnicrm-sub004/internal/tools"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("TOOLRUNNER_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	port := envOrDefault("TOOLRUNNER_PORT", "8086")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	monthlyAllowance := envOrDefaultInt("TOOLRUNNER_MONTHLY_CREDITS", 500)
	authCacheTTL := envOrDefaultInt("TOOLRUNNER_AUTH_CACHE_TTL_S", 30)

	logger.Info("starting tool runner server",
		zap.String("port", port),
		zap.Int("monthly_credits", monthlyAllowance),
	)

	// Postgres — credit ledger, API keys, CRM repositories
	var db *sql.DB
	if postgresDSN != "" {
		var err error
		db, err = sql.Open("pgx", postgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		logger.Info("postgres connected")
	}

	// Recorder — ClickHouse or log fallback
	var rec recorder.Recorder
	if clickhouseDSN != "" {
		chRec, err := recorder.NewClickHouseRecorder(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log recorder",
				zap.Error(err),
			)
			rec = recorder.NewLogRecorder(logger)
		} else {
			rec = chRec
			logger.Info("clickhouse recorder connected")
		}
	} else {
		rec = recorder.NewLogRecorder(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log recorder")
	}
	defer rec.Close()

	// Credit ledger — Postgres if available, otherwise unlimited static
	var ledger quota.Ledger
	if db != nil {
		ledger = quota.NewPostgresLedger(quota.PostgresLedgerConfig{
			DB:               db,
			MonthlyAllowance: monthlyAllowance,
			Logger:           logger,
		})
	} else {
		ledger = quota.NewStaticLedger()
		logger.Info("no POSTGRES_DSN set, credits are unlimited")
	}

	// Registry + built-in CRM tools
	reg := registry.New(registry.Config{
		Ledger:   ledger,
		Recorder: rec,
		Logger:   logger,
	})
	if db != nil {
		store := crm.NewPostgresStore(db)
		if err := tools.RegisterBuiltins(reg, tools.Deps{Contacts: store, Tasks: store}); err != nil {
			logger.Fatal("failed to register built-in tools", zap.Error(err))
		}
	} else {
		logger.Warn("no POSTGRES_DSN set, skipping CRM tool registration")
	}

	// Auth — Postgres if available, otherwise static (dev only)
	var authenticator auth.Authenticator
	if db != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: time.Duration(authCacheTTL) * time.Second,
			Logger:   logger,
		})
	} else {
		authenticator = auth.NewStaticAuthenticator()
		logger.Info("using static authenticator (no POSTGRES_DSN)")
	}

	srv := server.New(reg, authenticator, metrics.New(), logger)
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("tool runner server listening", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
