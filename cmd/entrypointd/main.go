package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quarklabs/aa-entrypoint/internal/api"
	"github.com/quarklabs/aa-entrypoint/internal/config"
	"github.com/quarklabs/aa-entrypoint/internal/entrypoint"
	"github.com/quarklabs/aa-entrypoint/internal/history"
	"github.com/quarklabs/aa-entrypoint/internal/ledger"
	"github.com/quarklabs/aa-entrypoint/internal/metrics"
	"github.com/quarklabs/aa-entrypoint/internal/nonce"
	"github.com/quarklabs/aa-entrypoint/internal/oracle"
	"github.com/quarklabs/aa-entrypoint/internal/paymaster"
	"github.com/quarklabs/aa-entrypoint/internal/swap"
)

// poolAddress receives fee-tokens converted by the top-up venue.
var poolAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Configured amounts ────────────────────────────────────────────────────
	markup := mustBig(cfg.Paymaster.PriceMarkup, "PRICE_MARKUP", log)
	minBalance := mustBig(cfg.Paymaster.MinEntryPointBalance, "MIN_ENTRYPOINT_BALANCE", log)
	minSwap := mustBig(cfg.Uniswap.MinSwapAmount, "UNISWAP_MIN_SWAP_AMOUNT", log)
	tokenPrice := mustBig(cfg.Oracle.TokenPrice, "ORACLE_TOKEN_PRICE", log)
	nativePrice := mustBig(cfg.Oracle.NativePrice, "ORACLE_NATIVE_PRICE", log)

	// ── Price oracle cache ────────────────────────────────────────────────────
	cache, err := oracle.NewCache(oracle.Config{
		TokenFeed:          oracle.NewStaticFeed(tokenPrice),
		NativeFeed:         oracle.NewStaticFeed(nativePrice),
		TokenReverse:       cfg.Oracle.TokenReverse,
		NativeReverse:      cfg.Oracle.NativeReverse,
		TokenToNative:      cfg.Oracle.TokenToNative,
		PriceMarkup:        markup,
		UpdateThresholdBps: cfg.Oracle.UpdateThresholdBps,
		CacheTTL:           time.Duration(cfg.Oracle.CacheTTLSec) * time.Second,
		PriceMaxAge:        time.Duration(cfg.Paymaster.PriceMaxAgeSec) * time.Second,
	})
	if err != nil {
		log.Fatal("oracle cache init failed", zap.Error(err))
	}
	if _, err := cache.ForceRefresh(ctx); err != nil {
		log.Fatal("oracle prime failed", zap.Error(err))
	}

	// ── Core protocol state ───────────────────────────────────────────────────
	led := ledger.NewSettlementLedger()
	nonces := nonce.NewRegistry()
	dir := entrypoint.NewDirectory()
	ep := entrypoint.New(
		common.HexToAddress(cfg.Chain.EntryPointAddress),
		big.NewInt(cfg.Chain.ChainID),
		led, nonces, dir, log,
	)

	m := metrics.New()
	ep.SetObserver(m)

	// ── Token paymaster ───────────────────────────────────────────────────────
	token := paymaster.NewMemoryToken()
	pmAddr := common.HexToAddress(cfg.Paymaster.Address)
	pm := paymaster.NewTokenPaymaster(pmAddr, token, cache, cfg.Paymaster.RefundPostopCost, log)
	dir.RegisterPaymaster(pmAddr, pm)

	// ── Liquidity top-up ──────────────────────────────────────────────────────
	// The venue pulls the paymaster's fee-token, so approve it up front.
	token.Approve(pmAddr, poolAddress, new(big.Int).Lsh(big.NewInt(1), 128))
	venue := swap.NewOracleVenue(cache, cfg.Uniswap.PoolFee, token, poolAddress, pmAddr)
	engine := swap.NewEngine(swap.Config{
		MinSwapAmount: minSwap,
		PoolFee:       cfg.Uniswap.PoolFee,
		SlippageBps:   cfg.Uniswap.SlippageBps,
	}, pmAddr, minBalance, token, cache, venue, led, log)

	runner, err := swap.NewRunner(engine, time.Duration(cfg.Uniswap.IntervalSec)*time.Second, log)
	if err != nil {
		log.Fatal("top-up runner init failed", zap.Error(err))
	}
	runner.SetObserver(m.IncTopUp)
	runner.Start()

	// ── HTTP server ───────────────────────────────────────────────────────────
	store := history.NewStore(rdb)

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	chainInfo := api.ChainInfo{Chain: cfg.Chain.Name, Currency: cfg.Chain.Currency}
	api.NewHandler(ep, store, chainInfo, log).Register(v1)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	if err := runner.Stop(); err != nil {
		log.Error("top-up runner shutdown error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func mustBig(raw, name string, log *zap.Logger) *big.Int {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		log.Fatal("invalid integer config", zap.String("name", name), zap.String("value", raw))
	}
	return v
}
