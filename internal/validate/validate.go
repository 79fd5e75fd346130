package validate

import (
	"fmt"
	"strings"
)

// 中文说明：
// 账户层 / 实例层的结构化校验（合并前、只读）。live 模式要求真实凭证且
// dry_run=false；dryrun/backstage 允许空凭证但要求 dry_run=true。
// 任何错误都以分类列表返回，启动前校验失败即整体拒绝。

// Layer 为尚未合并的单层配置（与磁盘上的 JSON 片段同构）。
type Layer = map[string]any

// Report aggregates validation results for one start/backtest attempt.
type Report struct {
	OK         bool     `json:"ok"`
	Mode       string   `json:"mode"`
	UserErrors []string `json:"user_errors"`
	BotErrors  []string `json:"bot_errors"`
}

// StrategySentinel 为「策略未设置」占位值；composer 写入、校验与启动共同拒绝。
const StrategySentinel = "__SET_YOUR_STRATEGY__"

var userRequired = [][]string{
	{"exchange", "name"},
	{"exchange", "key"},
	{"exchange", "secret"},
}

var botRequired = [][]string{
	{"pair_whitelist"},
	{"stake_currency"},
	{"stake_amount"},
	{"dry_run"},
	{"entry_pricing", "price_last_balance"},
	{"entry_pricing", "price_side"},
	{"exit_pricing", "price_side"},
	{"strategy"},
}

var priceSides = map[string]bool{"ask": true, "bid": true, "same": true, "other": true}

// AccountPlaceholder 为新租户 account.json 的脚手架。
func AccountPlaceholder() Layer {
	return Layer{
		"exchange": map[string]any{
			"name":     "binance",
			"key":      "",
			"secret":   "",
			"password": "",
			"sandbox":  false,
		},
	}
}

// BotPlaceholder 为新实例 bot.json 的脚手架。
func BotPlaceholder() Layer {
	return Layer{
		"dry_run":         true,
		"stake_currency":  "USDT",
		"stake_amount":    10.0,
		"max_open_trades": 3.0,
		"pair_whitelist":  []any{"BTC/USDT", "ETH/USDT"},
		"trading_mode":    "spot",
		"entry_pricing":   map[string]any{"price_side": "same", "price_last_balance": 0.0, "use_order_book": false, "order_book_top": 1.0},
		"exit_pricing":    map[string]any{"price_side": "same", "price_last_balance": 0.0, "use_order_book": false, "order_book_top": 1.0},
		"strategy":        StrategySentinel,
	}
}

// MetaPlaceholder 为新租户 meta.json 的脚手架。
func MetaPlaceholder() Layer {
	return Layer{
		"strategy_paths": []any{"./strategies"},
		"decision_log":   map[string]any{"enable": true, "path": nil},
		"strategies":     map[string]any{},
	}
}

func dig(cfg Layer, path []string) (any, bool) {
	var cur any = cfg
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64:
		return true
	}
	return false
}

// validateAccount 严格检查账户层结构与非空凭证。
func validateAccount(cfg Layer) []string {
	var errs []string
	for _, path := range userRequired {
		key := strings.Join(path, ".")
		v, ok := dig(cfg, path)
		if !ok {
			errs = append(errs, fmt.Sprintf("Missing required key: %s", key))
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Sprintf("Empty required value: %s", key))
		}
	}
	return errs
}

// validateAccountForMode 非 live 模式放宽空凭证（结构仍必须存在）。
func validateAccountForMode(cfg Layer, mode string) []string {
	strict := validateAccount(cfg)
	if mode != "dryrun" && mode != "backstage" {
		return strict
	}
	filtered := strict[:0:0]
	for _, e := range strict {
		if strings.HasPrefix(e, "Empty required value: exchange.key") ||
			strings.HasPrefix(e, "Empty required value: exchange.secret") {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

// validateBot 模式无关的结构检查。
func validateBot(cfg Layer) []string {
	var errs []string
	for _, path := range botRequired {
		key := strings.Join(path, ".")
		v, ok := dig(cfg, path)
		if !ok {
			errs = append(errs, fmt.Sprintf("Missing required key: %s", key))
			continue
		}
		switch key {
		case "pair_whitelist":
			list, isList := v.([]any)
			if !isList || len(list) == 0 {
				errs = append(errs, "pair_whitelist must be a non-empty list")
			}
		case "stake_amount":
			if s, isStr := v.(string); isStr {
				if s != "unlimited" {
					errs = append(errs, "stake_amount must be number or 'unlimited'")
				}
			} else if !isNumber(v) {
				errs = append(errs, "stake_amount must be number or 'unlimited'")
			} else if f, isF := v.(float64); isF && f <= 0 {
				errs = append(errs, "stake_amount must be positive")
			}
		case "dry_run":
			if _, isBool := v.(bool); !isBool {
				errs = append(errs, "dry_run must be boolean")
			}
		case "entry_pricing.price_last_balance":
			if !isNumber(v) {
				errs = append(errs, "entry_pricing.price_last_balance must be float")
			}
		case "entry_pricing.price_side", "exit_pricing.price_side":
			s, _ := v.(string)
			if !priceSides[s] {
				errs = append(errs, fmt.Sprintf("%s invalid value: %v", key, v))
			}
		case "strategy":
			if _, isStr := v.(string); !isStr {
				errs = append(errs, "strategy must be string class name")
			}
		default:
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				errs = append(errs, fmt.Sprintf("Empty required value: %s", key))
			}
		}
	}
	return errs
}

// validateBotForMode 模式相关规则与 trading_mode 检查。
func validateBotForMode(bot Layer, account Layer, mode string) []string {
	var errs []string

	tmode := "spot"
	if v, ok := bot["trading_mode"].(string); ok && v != "" {
		tmode = v
	}
	switch tmode {
	case "spot":
		if _, ok := bot["liquidation_buffer"]; ok {
			errs = append(errs, "spot mode: liquidation_buffer is not applicable")
		}
		if _, ok := bot["margin_mode"]; ok {
			errs = append(errs, "spot mode: margin_mode is not applicable")
		}
	case "futures":
		if v, ok := bot["liquidation_buffer"]; ok && !isNumber(v) {
			errs = append(errs, "futures mode: liquidation_buffer must be float")
		}
		if v, ok := bot["margin_mode"]; ok {
			if _, isStr := v.(string); !isStr {
				errs = append(errs, "futures mode: margin_mode must be string")
			}
		}
	default:
		errs = append(errs, "trading_mode must be 'spot' or 'futures'")
	}

	switch mode {
	case "live":
		exch, _ := account["exchange"].(map[string]any)
		if k, _ := exch["key"].(string); strings.TrimSpace(k) == "" {
			errs = append(errs, "live.mode: exchange.key required")
		}
		if s, _ := exch["secret"].(string); strings.TrimSpace(s) == "" {
			errs = append(errs, "live.mode: exchange.secret required")
		}
		if v, ok := bot["dry_run"].(bool); ok && v {
			errs = append(errs, "live.mode: dry_run must be false")
		}
	case "dryrun", "backstage":
		if v, ok := bot["dry_run"].(bool); ok && !v {
			errs = append(errs, fmt.Sprintf("%s.mode: dry_run must be true", mode))
		}
	}
	return errs
}

// Validate 聚合账户层与实例层的校验结果；不修改任何输入。
func Validate(account Layer, bot Layer, mode string) Report {
	mode = strings.ToLower(strings.TrimSpace(mode))
	userErrs := validateAccountForMode(account, mode)
	botErrs := append(validateBot(bot), validateBotForMode(bot, account, mode)...)
	if userErrs == nil {
		userErrs = []string{}
	}
	if botErrs == nil {
		botErrs = []string{}
	}
	return Report{
		OK:         len(userErrs) == 0 && len(botErrs) == 0,
		Mode:       mode,
		UserErrors: userErrs,
		BotErrors:  botErrs,
	}
}
