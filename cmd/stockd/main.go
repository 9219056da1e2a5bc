package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/quartermaster-erp/quartermaster/internal/app"
	"github.com/quartermaster-erp/quartermaster/internal/approval"
	"github.com/quartermaster-erp/quartermaster/internal/ledger"
	"github.com/quartermaster-erp/quartermaster/internal/masterdata/items"
	mdshared "github.com/quartermaster-erp/quartermaster/internal/masterdata/shared"
	"github.com/quartermaster-erp/quartermaster/internal/masterdata/warehouses"
	"github.com/quartermaster-erp/quartermaster/internal/observability"
	"github.com/quartermaster-erp/quartermaster/internal/platform/cache"
	"github.com/quartermaster-erp/quartermaster/internal/platform/db"
	"github.com/quartermaster-erp/quartermaster/internal/shared"
	"github.com/quartermaster-erp/quartermaster/jobs"
)

// warehousePolicyAdapter bridges masterdata warehouses into the
// posting engine's policy port.
type warehousePolicyAdapter struct {
	warehouses *warehouses.Service
}

func (a warehousePolicyAdapter) AllowNegativeStock(ctx context.Context, tenantID, warehouseID int64) (bool, error) {
	allow, err := a.warehouses.NegativeStockPolicy(ctx, tenantID, warehouseID)
	if err != nil {
		if errors.Is(err, mdshared.ErrNotFound) || errors.Is(err, mdshared.ErrInvalidID) {
			return false, ledger.ErrWarehouseNotFound
		}
		return false, err
	}
	return allow, nil
}

// itemCatalogAdapter bridges masterdata items into the posting
// engine's catalog port.
type itemCatalogAdapter struct {
	items *items.Service
}

func (a itemCatalogAdapter) ItemExists(ctx context.Context, tenantID, itemID int64) (bool, error) {
	ok, err := a.items.Exists(ctx, tenantID, itemID)
	if err != nil {
		if errors.Is(err, mdshared.ErrInvalidID) {
			return false, ledger.ErrItemNotFound
		}
		return false, err
	}
	return ok, nil
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, balance cache disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	warehouseRepo := warehouses.NewRepository(dbpool)
	warehouseService := warehouses.NewService(warehouseRepo)
	warehouseHandler := warehouses.NewHandler(logger, warehouseService)

	itemRepo := items.NewRepository(dbpool)
	itemService := items.NewService(itemRepo)
	itemHandler := items.NewHandler(logger, itemService)

	approvalRepo := approval.NewRepository(dbpool)
	approvalService := approval.NewService(approvalRepo, auditLogger)
	approvalHandler := approval.NewHandler(logger, approvalService)

	metrics := observability.NewMetrics()
	ledgerMetrics := observability.NewLedgerMetrics(metrics.Registerer())

	var balanceCache *ledger.BalanceCache
	if redisClient != nil {
		balanceCache = ledger.NewBalanceCache(redisClient, cfg.BalanceCacheTTL)
	}

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(
		ledgerRepo,
		auditLogger,
		idempotencyStore,
		warehousePolicyAdapter{warehouses: warehouseService},
		itemCatalogAdapter{items: itemService},
		ledger.ServiceConfig{Metrics: ledgerMetrics, Cache: balanceCache},
	)
	ledgerHandler := ledger.NewHandler(logger, ledgerService, approvalService, cfg.RequireAdjustmentApproval)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		LedgerHandler:    ledgerHandler,
		ApprovalHandler:  approvalHandler,
		WarehouseHandler: warehouseHandler,
		ItemHandler:      itemHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
