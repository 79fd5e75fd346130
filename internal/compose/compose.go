package compose

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"botfarm/internal/validate"
)

// 中文说明：
// 分层配置合成器。按固定优先级把多份 JSON 片段深合并为一份运行文档，
// 补齐控制 API 等缺省块后原子写出。每次 compose 都从磁盘重读各层，
// 生成结果不作为持久真相（重启即重新合成）。

const (
	// GeneratedName 运行文档在实例 configs/ 下的固定文件名
	GeneratedName = "config.generated.json"
	// SourcesName 调试用溯源清单（层名 -> 来源路径）
	SourcesName = "config.generated.sources.json"
)

// 模式 -> 覆盖层文件名
var modeFilenames = map[string]string{
	"live":      "live.json",
	"dryrun":    "dryrun.json",
	"backstage": "backstage.json",
}

// 引擎策略代码契约独占的键：配置与代码不得同时声明，合成时剔除。
var strategyOwnedKeys = []string{
	"minimal_roi",
	"stoploss",
	"trailing_stop",
	"trailing_stop_positive",
	"trailing_stop_positive_offset",
	"trailing_only_offset_is_reached",
	"position_adjustment_enable",
	"max_entry_position_adjustment",
	"order_types",
	"order_time_in_force",
}

// 仅保证金/合约模式有意义的键，spot 模式下强制移除。
var marginOnlyKeys = []string{"margin_mode", "liquidation_buffer", "futures_funding_rate"}

// systemDefaults 为最低优先级内置层。
func systemDefaults() Document {
	return Document{
		"dry_run":        true,
		"timeframe":      "1m",
		"stake_currency": "USDT",
		"entry_pricing":  map[string]any{"price_side": "ask", "use_order_book": false, "order_book_top": 1.0, "price_last_balance": 0.0},
		"exit_pricing":   map[string]any{"price_side": "bid", "use_order_book": false, "order_book_top": 1.0, "price_last_balance": 0.0},
		// 引擎新版本缺省停在 STOPPED，这里兜底为自动开跑
		"initial_state": "running",
	}
}

// metaDefaults 为 metadata 层缺省骨架。
func metaDefaults() Document {
	return Document{
		"decision_log":   map[string]any{"enable": true, "path": nil},
		"strategy_paths": []any{},
		"strategies":     map[string]any{},
	}
}

type source struct {
	Name string
	Path string
}

// Composer 合成器。Secret 与 ProbePort 可注入以保证测试可重现。
type Composer struct {
	// Debug 为 true 时写出溯源清单
	Debug bool
	// PortBase 合成 api_server 时从该端口向上探测
	PortBase int
	// Secret 生成凭证/令牌；为空时使用 uuid
	Secret func() string
	// ProbePort 返回 base 起第一个可用 TCP 端口；为空时实际探测
	ProbePort func(base int) int
}

func loadJSONIf(path string) Document {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return doc
}

// LoadDocumentFile 读取任意 JSON 文档文件；读不到返回空文档。
func LoadDocumentFile(path string) Document {
	if doc := loadJSONIf(path); doc != nil {
		return doc
	}
	return Document{}
}

// LoadAccount 读取 workspace 账户层（可能为空）。
func LoadAccount(wsRoot string) Document {
	if doc := loadJSONIf(filepath.Join(wsRoot, "configs", "account.json")); doc != nil {
		return doc
	}
	return Document{}
}

// LoadBot 读取实例基础层（可能为空）。
func LoadBot(botRoot string) Document {
	if doc := loadJSONIf(filepath.Join(botRoot, "configs", "bot.json")); doc != nil {
		return doc
	}
	return Document{}
}

// LoadMeta 读取 metadata 层并与缺省骨架深合并。
func LoadMeta(wsRoot string) Document {
	merged := metaDefaults()
	if doc := loadJSONIf(filepath.Join(wsRoot, "configs", "meta.json")); doc != nil {
		DeepMerge(merged, doc)
	}
	return merged
}

// Compose 按层合成运行文档并写入 <botRoot>/configs/config.generated.json。
// mode 为空时从实例基础层推导；未知 mode 在任何文件读取前拒绝。
func (c *Composer) Compose(wsRoot, botRoot, mode, strategyOverride string) (string, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != "" {
		if _, ok := modeFilenames[mode]; !ok {
			return "", fmt.Errorf("不支持的实例模式 %q（可选: live/dryrun/backstage）", mode)
		}
	}
	if _, err := os.Stat(wsRoot); err != nil {
		return "", fmt.Errorf("workspace 根目录不可用: %w", err)
	}

	var sources []source
	cfg := systemDefaults()

	// workspace 默认层目录：按文件名字典序合并
	userDir := filepath.Join(wsRoot, "configs", "user")
	if entries, err := os.ReadDir(userDir); err == nil {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, name := range names {
			p := filepath.Join(userDir, name)
			if doc := loadJSONIf(p); doc != nil {
				DeepMerge(cfg, doc)
				sources = append(sources, source{"user:" + name, p})
			}
		}
	}

	// 账户层：只取 exchange 子树
	accountPath := filepath.Join(wsRoot, "configs", "account.json")
	if account := loadJSONIf(accountPath); account != nil {
		if exch, ok := account["exchange"].(map[string]any); ok {
			DeepMerge(cfg, Document{"exchange": exch})
			sources = append(sources, source{"account", accountPath})
		}
	}

	// metadata 层整体注入（finalize 阶段写入约定位置，不逐键合并）
	meta := LoadMeta(wsRoot)
	sources = append(sources, source{"meta", filepath.Join(wsRoot, "configs", "meta.json")})

	// 实例基础层
	botPath := filepath.Join(botRoot, "configs", "bot.json")
	if bot := loadJSONIf(botPath); bot != nil {
		DeepMerge(cfg, bot)
		sources = append(sources, source{"bot", botPath})
		if mode == "" {
			if m, ok := bot["mode"].(string); ok {
				mode = strings.ToLower(m)
			}
		}
	}

	// 模式覆盖层（文件存在才算一层）
	if fname, ok := modeFilenames[mode]; ok {
		p := filepath.Join(botRoot, "configs", fname)
		if doc := loadJSONIf(p); doc != nil {
			DeepMerge(cfg, doc)
			sources = append(sources, source{"mode:" + mode, p})
		}
	}

	// 显式策略覆盖：文件名剥掉源码后缀得到裸标识
	if s := strings.TrimSpace(strategyOverride); s != "" {
		base := filepath.Base(s)
		if ext := filepath.Ext(base); ext != "" {
			base = strings.TrimSuffix(base, ext)
		}
		cfg["strategy"] = base
		sources = append(sources, source{"strategy-override", s})
	}

	out := filepath.Join(botRoot, "configs", GeneratedName)
	if err := c.finalize(cfg, meta, wsRoot, botRoot, out, sources); err != nil {
		return "", err
	}
	return out, nil
}

// ComposeLegacy 单层降级合成：仅实例基础层 + 账户 exchange 子树。
// 作为 orchestrator 的迁移兜底保留；命中即说明分层合成器出了问题。
func (c *Composer) ComposeLegacy(wsRoot, botRoot string) (string, error) {
	cfg := Document{}
	botPath := filepath.Join(botRoot, "configs", "bot.json")
	if bot := loadJSONIf(botPath); bot != nil {
		DeepMerge(cfg, bot)
	}
	if account := LoadAccount(wsRoot); account != nil {
		if exch, ok := account["exchange"].(map[string]any); ok {
			cfg["exchange"] = exch
		}
	}
	meta := LoadMeta(wsRoot)
	out := filepath.Join(botRoot, "configs", GeneratedName)
	sources := []source{{"bot", botPath}, {"account", filepath.Join(wsRoot, "configs", "account.json")}}
	if err := c.finalize(cfg, meta, wsRoot, botRoot, out, sources); err != nil {
		return "", err
	}
	return out, nil
}

// finalize 按固定顺序补齐/清理，并原子写出。
func (c *Composer) finalize(cfg, meta Document, wsRoot, botRoot, outPath string, sources []source) error {
	// 1. 策略标识缺失时写入显式占位值，不静默选默认策略
	if s, ok := cfg["strategy"].(string); !ok || strings.TrimSpace(s) == "" {
		cfg["strategy"] = validate.StrategySentinel
	}
	// 2. 初始运行状态兜底
	if _, ok := cfg["initial_state"]; !ok {
		cfg["initial_state"] = "running"
	}
	// 3. 本地控制 API
	c.ensureAPIServer(cfg)
	// 4. 剔除策略代码契约独占键
	for _, k := range strategyOwnedKeys {
		delete(cfg, k)
	}
	// 5. spot 模式移除保证金相关键（即使来自低优先层）
	if tm, _ := cfg["trading_mode"].(string); tm == "" || tm == "spot" {
		for _, k := range marginOnlyKeys {
			delete(cfg, k)
		}
	}
	// 6. 交易对白名单的便捷别名与最小静态 pairlist
	if pw, ok := cfg["pair_whitelist"]; ok {
		if _, has := cfg["pairlists"]; !has {
			cfg["pairlists"] = []any{map[string]any{"method": "StaticPairList"}}
		}
		if _, has := cfg["pairs"]; !has {
			if list, isList := pw.([]any); isList {
				cfg["pairs"] = append([]any{}, list...)
			} else {
				cfg["pairs"] = pw
			}
		}
	}
	// 7. 策略搜索路径
	cfg["strategy_path"] = resolveStrategyPath(cfg, meta, wsRoot, botRoot)
	// 8. metadata 回注到引擎可能读取的三个约定位置
	injectMeta(cfg, meta)
	// 9. 原子写出
	if err := WriteAtomic(outPath, cfg); err != nil {
		return err
	}
	if c.Debug {
		manifest := make(map[string]string, len(sources))
		for _, s := range sources {
			manifest[s.Name] = s.Path
		}
		_ = WriteAtomic(filepath.Join(filepath.Dir(outPath), SourcesName), manifest)
	}
	return nil
}

// resolveStrategyPath 依次尝试实例本地、workspace 共享与 meta 声明的额外目录；
// 优先返回实际包含 <策略名>.py 的目录，其次第一个存在的目录，最后兜底第一个候选。
func resolveStrategyPath(cfg, meta Document, wsRoot, botRoot string) string {
	candidates := []string{
		filepath.Join(botRoot, "strategies"),
		filepath.Join(wsRoot, "strategies"),
	}
	if extras, ok := meta["strategy_paths"].([]any); ok {
		for _, e := range extras {
			p, _ := e.(string)
			if p == "" {
				continue
			}
			if !filepath.IsAbs(p) {
				p = filepath.Join(wsRoot, p)
			}
			candidates = append(candidates, p)
		}
	}
	strat, _ := cfg["strategy"].(string)
	if strat != "" && strat != validate.StrategySentinel {
		for _, dir := range candidates {
			if _, err := os.Stat(filepath.Join(dir, strat+".py")); err == nil {
				return dir
			}
		}
	}
	for _, dir := range candidates {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	return candidates[0]
}

func injectMeta(cfg, meta Document) {
	ci, ok := cfg["custom_info"].(map[string]any)
	if !ok {
		ci = map[string]any{}
		cfg["custom_info"] = ci
	}
	ci["meta"] = meta
	cfg["meta"] = meta
	sp, ok := cfg["strategy_parameters"].(map[string]any)
	if !ok {
		sp = map[string]any{}
		cfg["strategy_parameters"] = sp
	}
	sp["meta"] = meta
}

// writeAtomic 同目录临时文件 + rename，保证读端看不到半成品。
func WriteAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化运行文档失败: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建配置目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("写入运行文档失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("落盘运行文档失败: %w", err)
	}
	return nil
}
