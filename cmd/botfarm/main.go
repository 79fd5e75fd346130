package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"botfarm/internal/app"
	bfcfg "botfarm/internal/config"
	"botfarm/internal/logger"
)

// 入口程序：
// 1) 加载 TOML 配置
// 2) 装配存储/编排器/管理面服务
// 3) 监听退出信号，优雅关停
func main() {
	cfgPath := os.Getenv("BOTFARM_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.toml"
	}

	cfg, err := bfcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logger.Infof("✓ 配置加载成功（环境=%s，监听=%s，workspace=%s）",
		cfg.App.Env, cfg.App.HTTPAddr, cfg.Workspace.BaseDir)

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
	logger.Infof("已退出")
}
