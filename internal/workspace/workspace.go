package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"botfarm/internal/validate"
)

// 中文说明：
// 租户 workspace 与实例运行目录的脚手架。只负责目录结构与占位配置，
// 不触碰进程，也不理解配置语义（语义归 compose/validate）。
//
// 布局：
//   <base>/<tenant>/user/            租户根（凭证与共享层）
//     configs/{account.json, meta.json, user/}
//     strategies/  shared/
//   <base>/<tenant>/bots/<name>/user_data/   实例根
//     configs/{bot.json, live.json, dryrun.json, backstage.json}
//     strategies/  logs/  data/

func writeJSONIfAbsent(path string, v any) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// CreateTenantRoot 创建租户 workspace 并播种账户/metadata 占位层，
// 返回租户根的绝对路径。重复调用幂等，不覆盖已有文件。
func CreateTenantRoot(baseDir, name string) (string, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}
	root := filepath.Join(base, name, "user")
	for _, dir := range []string{
		filepath.Join(root, "configs", "user"),
		filepath.Join(root, "strategies"),
		filepath.Join(root, "shared"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("创建 workspace 目录失败: %w", err)
		}
	}
	if err := writeJSONIfAbsent(filepath.Join(root, "configs", "account.json"), validate.AccountPlaceholder()); err != nil {
		return "", fmt.Errorf("播种 account.json 失败: %w", err)
	}
	if err := writeJSONIfAbsent(filepath.Join(root, "configs", "meta.json"), validate.MetaPlaceholder()); err != nil {
		return "", fmt.Errorf("播种 meta.json 失败: %w", err)
	}
	return root, nil
}

// CreateInstanceRoot 在租户旁边创建实例运行目录并播种分层模板，
// 返回实例根（user_data）的绝对路径。
func CreateInstanceRoot(tenantRoot, botName string) (string, error) {
	uroot, err := filepath.Abs(tenantRoot)
	if err != nil {
		return "", err
	}
	root := filepath.Join(filepath.Dir(uroot), "bots", botName, "user_data")
	for _, dir := range []string{
		filepath.Join(root, "configs"),
		filepath.Join(root, "strategies"),
		filepath.Join(root, "logs"),
		filepath.Join(root, "data"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("创建实例目录失败: %w", err)
		}
	}
	if err := writeJSONIfAbsent(filepath.Join(root, "configs", "bot.json"), validate.BotPlaceholder()); err != nil {
		return "", fmt.Errorf("播种 bot.json 失败: %w", err)
	}
	// 模式覆盖层模板
	overlays := map[string]map[string]any{
		"live.json":      {"dry_run": false, "exchange": map[string]any{"key": "__REQUIRED__", "secret": "__REQUIRED__"}},
		"dryrun.json":    {"dry_run": true},
		"backstage.json": {"dry_run": true, "backstage": true},
	}
	for name, doc := range overlays {
		if err := writeJSONIfAbsent(filepath.Join(root, "configs", name), doc); err != nil {
			return "", fmt.Errorf("播种 %s 失败: %w", name, err)
		}
	}
	return root, nil
}

// TenantRootOf 由实例根反推租户根（用于只拿到 userdir 的调用方）。
func TenantRootOf(instanceRoot string) string {
	// <base>/<tenant>/bots/<name>/user_data -> <base>/<tenant>/user
	return filepath.Join(filepath.Dir(filepath.Dir(filepath.Dir(instanceRoot))), "user")
}
