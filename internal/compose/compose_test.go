package compose

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfarm/internal/validate"
)

func writeJSON(t *testing.T, path string, doc map[string]any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func readJSON(t *testing.T, path string) Document {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

// fixedComposer 注入固定凭证与端口，保证合成结果可复现。
func fixedComposer() *Composer {
	return &Composer{
		PortBase:  9100,
		Secret:    func() string { return "fixedsecret-0000" },
		ProbePort: func(base int) int { return base },
	}
}

func scaffold(t *testing.T) (wsRoot, botRoot string) {
	t.Helper()
	base := t.TempDir()
	wsRoot = filepath.Join(base, "tenant", "user")
	botRoot = filepath.Join(base, "tenant", "bots", "b1", "user_data")
	require.NoError(t, os.MkdirAll(filepath.Join(wsRoot, "configs", "user"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(botRoot, "configs"), 0o755))
	writeJSON(t, filepath.Join(wsRoot, "configs", "account.json"), map[string]any{
		"exchange": map[string]any{"name": "binance", "key": "k", "secret": "s"},
		"ignored":  "must-not-leak",
	})
	writeJSON(t, filepath.Join(botRoot, "configs", "bot.json"), map[string]any{
		"mode":           "dryrun",
		"dry_run":        true,
		"stake_currency": "USDT",
		"stake_amount":   10.0,
		"pair_whitelist": []any{"BTC/USDT", "ETH/USDT"},
		"strategy":       "SampleStrategy",
	})
	return wsRoot, botRoot
}

func TestComposeLayerPrecedence(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	// workspace 默认层按文件名字典序，后者覆盖前者
	writeJSON(t, filepath.Join(wsRoot, "configs", "user", "10-base.json"), map[string]any{
		"timeframe": "5m", "max_open_trades": 1.0,
	})
	writeJSON(t, filepath.Join(wsRoot, "configs", "user", "20-tweak.json"), map[string]any{
		"timeframe": "15m",
	})
	writeJSON(t, filepath.Join(botRoot, "configs", "dryrun.json"), map[string]any{
		"timeframe": "1h",
	})

	out, err := fixedComposer().Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	doc := readJSON(t, out)

	// 实例模式层 > workspace 默认层 > 内置缺省
	assert.Equal(t, "1h", doc["timeframe"])
	assert.Equal(t, 1.0, doc["max_open_trades"])
	// 账户层只进 exchange 子树
	exch := doc["exchange"].(map[string]any)
	assert.Equal(t, "k", exch["key"])
	assert.NotContains(t, doc, "ignored")
	assert.Equal(t, true, doc["dry_run"])
}

func TestComposeUnknownModeRejectedBeforeIO(t *testing.T) {
	_, err := fixedComposer().Compose(filepath.Join(t.TempDir(), "missing"), t.TempDir(), "chaos", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "不支持的实例模式")
}

func TestComposeModeDerivedFromBotLayer(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	writeJSON(t, filepath.Join(botRoot, "configs", "dryrun.json"), map[string]any{
		"derived_marker": true,
	})
	out, err := fixedComposer().Compose(wsRoot, botRoot, "", "")
	require.NoError(t, err)
	doc := readJSON(t, out)
	assert.Equal(t, true, doc["derived_marker"])
}

func TestComposeDeterministic(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	c := fixedComposer()

	out, err := c.Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	first, err := os.ReadFile(out)
	require.NoError(t, err)

	out2, err := c.Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	second, err := os.ReadFile(out2)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestFinalizeSentinelWhenStrategyMissing(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	writeJSON(t, filepath.Join(botRoot, "configs", "bot.json"), map[string]any{
		"dry_run": true, "stake_amount": 10.0,
	})
	out, err := fixedComposer().Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	doc := readJSON(t, out)
	assert.Equal(t, validate.StrategySentinel, doc["strategy"])
	assert.Equal(t, "running", doc["initial_state"])
}

func TestFinalizeSynthesizesAPIServer(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	out, err := fixedComposer().Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	doc := readJSON(t, out)

	api := doc["api_server"].(map[string]any)
	assert.Equal(t, true, api["enabled"])
	assert.Equal(t, "127.0.0.1", api["listen_ip_address"])
	assert.Equal(t, 9100.0, api["listen_port"])
	assert.Equal(t, "bot-fixedsec", api["username"])
	assert.Equal(t, "fixedsecret-0000", api["password"])
	assert.Equal(t, "fixedsecret-0000", api["jwt_secret_key"])
	assert.Equal(t, "error", api["verbosity"])
}

func TestFinalizeKeepsOperatorAPIServerValues(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	writeJSON(t, filepath.Join(botRoot, "configs", "bot.json"), map[string]any{
		"dry_run": true, "strategy": "S",
		"api_server": map[string]any{"enabled": true, "listen_port": 7777.0, "username": "ops"},
	})
	out, err := fixedComposer().Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	api := readJSON(t, out)["api_server"].(map[string]any)

	// 已启用的块只补缺，不覆盖运维手工值
	assert.Equal(t, 7777.0, api["listen_port"])
	assert.Equal(t, "ops", api["username"])
	assert.Equal(t, "fixedsecret-0000", api["password"])
}

func TestFinalizeStripsStrategyOwnedKeys(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	writeJSON(t, filepath.Join(botRoot, "configs", "bot.json"), map[string]any{
		"dry_run": true, "strategy": "S",
		"minimal_roi": map[string]any{"0": 0.05},
		"stoploss":    -0.1,
		"order_types": map[string]any{"entry": "limit"},
	})
	out, err := fixedComposer().Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	doc := readJSON(t, out)
	for _, k := range []string{"minimal_roi", "stoploss", "order_types"} {
		assert.NotContains(t, doc, k)
	}
}

func TestFinalizeSpotStripsMarginKeys(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	writeJSON(t, filepath.Join(botRoot, "configs", "bot.json"), map[string]any{
		"dry_run": true, "strategy": "S",
		"trading_mode": "spot", "margin_mode": "isolated", "liquidation_buffer": 0.05,
	})
	out, err := fixedComposer().Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	doc := readJSON(t, out)
	assert.NotContains(t, doc, "margin_mode")
	assert.NotContains(t, doc, "liquidation_buffer")
}

func TestFinalizeFuturesKeepsMarginKeys(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	writeJSON(t, filepath.Join(botRoot, "configs", "bot.json"), map[string]any{
		"dry_run": true, "strategy": "S",
		"trading_mode": "futures", "margin_mode": "isolated",
	})
	out, err := fixedComposer().Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	doc := readJSON(t, out)
	assert.Equal(t, "isolated", doc["margin_mode"])
}

func TestFinalizePairsAliasAndStaticPairlist(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	out, err := fixedComposer().Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	doc := readJSON(t, out)

	assert.Equal(t, []any{"BTC/USDT", "ETH/USDT"}, doc["pairs"])
	pl := doc["pairlists"].([]any)
	require.Len(t, pl, 1)
	assert.Equal(t, "StaticPairList", pl[0].(map[string]any)["method"])
}

func TestResolveStrategyPathPrefersDirContainingSource(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	wsStrat := filepath.Join(wsRoot, "strategies")
	require.NoError(t, os.MkdirAll(wsStrat, 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(botRoot, "strategies"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(wsStrat, "SampleStrategy.py"), []byte("class SampleStrategy:\n    pass\n"), 0o644))

	out, err := fixedComposer().Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	doc := readJSON(t, out)
	// 实例目录虽存在但不含源码文件，共享目录胜出
	assert.Equal(t, wsStrat, doc["strategy_path"])
}

func TestStrategyOverrideStripsExtension(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	out, err := fixedComposer().Compose(wsRoot, botRoot, "dryrun", "/abs/path/MyStrat.py")
	require.NoError(t, err)
	doc := readJSON(t, out)
	assert.Equal(t, "MyStrat", doc["strategy"])
}

func TestMetaInjectedAtThreeLocations(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	writeJSON(t, filepath.Join(wsRoot, "configs", "meta.json"), map[string]any{
		"strategies": map[string]any{"SampleStrategy": map[string]any{"risk": "low"}},
	})
	out, err := fixedComposer().Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)
	doc := readJSON(t, out)

	want := doc["meta"].(map[string]any)
	assert.Equal(t, want, doc["custom_info"].(map[string]any)["meta"])
	assert.Equal(t, want, doc["strategy_parameters"].(map[string]any)["meta"])
	strat := want["strategies"].(map[string]any)["SampleStrategy"].(map[string]any)
	assert.Equal(t, "low", strat["risk"])
}

func TestComposeLegacySingleLayer(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	out, err := fixedComposer().ComposeLegacy(wsRoot, botRoot)
	require.NoError(t, err)
	doc := readJSON(t, out)

	assert.Equal(t, "SampleStrategy", doc["strategy"])
	assert.Equal(t, "k", doc["exchange"].(map[string]any)["key"])
	// 遗留路径不叠内置缺省层
	assert.NotContains(t, doc, "timeframe")
}

func TestSourcesManifestWrittenInDebug(t *testing.T) {
	wsRoot, botRoot := scaffold(t)
	c := fixedComposer()
	c.Debug = true
	out, err := c.Compose(wsRoot, botRoot, "dryrun", "")
	require.NoError(t, err)

	manifest := readJSON(t, filepath.Join(filepath.Dir(out), SourcesName))
	assert.Contains(t, manifest, "bot")
	assert.Contains(t, manifest, "account")
	assert.Contains(t, manifest, "meta")
}

func TestWriteAtomicReplacesWhole(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	require.NoError(t, WriteAtomic(path, map[string]any{"a": 1}))
	require.NoError(t, WriteAtomic(path, map[string]any{"b": 2}))
	doc := readJSON(t, path)
	assert.NotContains(t, doc, "a")
	assert.Equal(t, 2.0, doc["b"])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "不应残留临时文件")
}
