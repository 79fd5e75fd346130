package config

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// 配置结构体（应用级配置；实例自身的运行文档由 compose 生成，与此无关）
type Config struct {
	App struct {
		Env      string `toml:"env"`
		LogLevel string `toml:"log_level"`
		HTTPAddr string `toml:"http_addr"`
	} `toml:"app"`

	Workspace struct {
		// 所有租户 workspace 的根目录
		BaseDir string `toml:"base_dir"`
	} `toml:"workspace"`

	Store struct {
		// sqlite 数据库文件路径
		Path string `toml:"path"`
	} `toml:"store"`

	Runner struct {
		Image string `toml:"image"`
		// 启动后再次探测前的宽限期（毫秒）
		EarlyExitWaitMS int `toml:"early_exit_wait_ms"`
		// 合成 api_server 时从该端口向上探测
		APIPortBase int `toml:"api_port_base"`
		// 写出 config.generated.sources.json 溯源清单
		ComposeDebug bool `toml:"compose_debug"`
	} `toml:"runner"`

	Collector struct {
		// 每个序列保留的最大 K 线条数
		Limit int `toml:"limit"`
		// 兜底行情源（worker API 无数据时使用）
		FallbackExchange bool `toml:"fallback_exchange"`
	} `toml:"collector"`
}

// Load 读取并解析 TOML 配置文件，并设置缺省值与基本校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 TOML 失败: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// 默认值设置
func applyDefaults(c *Config) {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = "127.0.0.1:8700"
	}
	if c.Workspace.BaseDir == "" {
		c.Workspace.BaseDir = "workspaces"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join("data", "botfarm.db")
	}
	if c.Runner.Image == "" {
		c.Runner.Image = "freqtradeorg/freqtrade:stable"
	}
	if c.Runner.EarlyExitWaitMS <= 0 {
		c.Runner.EarlyExitWaitMS = 500
	}
	if c.Runner.APIPortBase <= 0 {
		c.Runner.APIPortBase = 8080
	}
	if c.Collector.Limit <= 0 {
		c.Collector.Limit = 200
	}
}

// 基础校验
func validate(c *Config) error {
	if c.Runner.APIPortBase < 1024 || c.Runner.APIPortBase > 65000 {
		return fmt.Errorf("runner.api_port_base 需在 [1024,65000]")
	}
	if c.Collector.Limit > 2000 {
		return fmt.Errorf("collector.limit 过大（上限 2000）")
	}
	return nil
}
