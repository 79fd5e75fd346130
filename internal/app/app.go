package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"botfarm/internal/collector"
	bfcfg "botfarm/internal/config"
	"botfarm/internal/logger"
	"botfarm/internal/store"
	bfhttp "botfarm/internal/transport/http"
)

// App 应用级编排：加载配置→初始化依赖→启动管理面服务。
type App struct {
	cfg        *bfcfg.Config
	httpSrv    *bfhttp.Server
	store      *store.Store
	collectors *collector.Registry
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *bfcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动管理面 HTTP 并阻塞到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.httpSrv.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Warnf("管理面 HTTP 停止: %v", err)
			return err
		}
		return nil
	})

	err := group.Wait()
	a.Close()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close 释放采集器与存储。
func (a *App) Close() {
	if a.collectors != nil {
		a.collectors.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
