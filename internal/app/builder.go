package app

import (
	"context"
	"fmt"
	"time"

	"botfarm/internal/collector"
	"botfarm/internal/compose"
	bfcfg "botfarm/internal/config"
	"botfarm/internal/logger"
	"botfarm/internal/market"
	"botfarm/internal/proxy"
	"botfarm/internal/runner"
	"botfarm/internal/store"
	bfhttp "botfarm/internal/transport/http"
)

// appBuilderDeps wire 装配面：任何能 Build 出 App 的构建器。
type appBuilderDeps interface {
	Build(context.Context) (*App, error)
}

func provideAppFromBuilder(b appBuilderDeps, ctx context.Context) (*App, error) {
	return b.Build(ctx)
}

func provideAppBuilder(cfg *bfcfg.Config) *AppBuilder {
	return NewAppBuilder(cfg)
}

// AppBuilder 按配置逐层装配依赖。
type AppBuilder struct {
	cfg *bfcfg.Config
}

func NewAppBuilder(cfg *bfcfg.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

// Build 初始化存储、编排器与管理面服务。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("初始化记录存储失败: %w", err)
	}
	logger.Infof("✓ 记录存储就绪: %s", cfg.Store.Path)

	composer := &compose.Composer{
		Debug:    cfg.Runner.ComposeDebug,
		PortBase: cfg.Runner.APIPortBase,
	}
	orch := &runner.Orchestrator{
		Store:     st,
		RT:        &runner.DockerRuntime{},
		Composer:  composer,
		Image:     cfg.Runner.Image,
		GraceWait: time.Duration(cfg.Runner.EarlyExitWaitMS) * time.Millisecond,
	}

	var candles market.CandleSource
	if cfg.Collector.FallbackExchange {
		candles = market.NewBinanceSource()
		logger.Infof("✓ 兜底行情源已启用 (binance REST)")
	}
	collectors := collector.NewRegistry()

	srv := bfhttp.NewServer(bfhttp.Deps{
		Config:     cfg,
		Store:      st,
		Orch:       orch,
		Composer:   composer,
		Forwarder:  proxy.New(15 * time.Second),
		Collectors: collectors,
		Candles:    candles,
	})

	return &App{
		cfg:        cfg,
		httpSrv:    srv,
		store:      st,
		collectors: collectors,
	}, nil
}
