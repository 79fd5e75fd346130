package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"botfarm/internal/compose"
	"botfarm/internal/logger"
	"botfarm/internal/store"
	"botfarm/internal/validate"
)

// 中文说明：
// 每实例生命周期编排：start/stop/status/backtest。单实例单活 worker 的
// 不变量靠「直接探测运行时 + 启动后宽限期复测」维持；同一实例的
// start/stop 由调用方串行化，不同实例可并发。

const (
	// stderr 尾部截取字节数（崩溃快照）
	errTailBytes = 2048
)

// WorkerName 实例 trade worker 的约定句柄。
func WorkerName(instanceID int64) string {
	return fmt.Sprintf("ftbot-%d", instanceID)
}

// StrategySpec 实例声明的策略描述（持久在 instances.active_strategy）。
// 静态描述值，不加载第三方代码。
type StrategySpec struct {
	Identifier           string `json:"identifier,omitempty"`
	Timeframe            string `json:"timeframe,omitempty"`
	InformativeTimeframe string `json:"informative_timeframe,omitempty"`
	SourceFile           string `json:"source_file,omitempty"`
}

// BacktestParams 一次回测的可选参数。
type BacktestParams struct {
	Timerange    string `json:"timerange,omitempty"`
	ExportTrades bool   `json:"export_trades,omitempty"`
}

// Orchestrator 生命周期编排器。
type Orchestrator struct {
	Store    *store.Store
	RT       Runtime
	Composer *compose.Composer
	Image    string
	// GraceWait 启动后复测崩溃前的等待
	GraceWait time.Duration
}

func (o *Orchestrator) graceWait() time.Duration {
	if o.GraceWait > 0 {
		return o.GraceWait
	}
	return 500 * time.Millisecond
}

// ParseStrategySpec 解析持久化的策略描述；空串或脏数据得零值。
func ParseStrategySpec(raw string) StrategySpec {
	var spec StrategySpec
	if strings.TrimSpace(raw) == "" {
		return spec
	}
	_ = json.Unmarshal([]byte(raw), &spec)
	return spec
}

// syncDryRunToMode 启动前把实例基础层的 dry_run 拉齐到请求模式
//（仅改磁盘层，不改数据库）。
func syncDryRunToMode(botRoot, mode string) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	var desired bool
	switch mode {
	case "live":
		desired = false
	case "dryrun", "backstage":
		desired = true
	default:
		return
	}
	path := filepath.Join(botRoot, "configs", "bot.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return
	}
	if cur, ok := raw["dry_run"].(bool); ok && cur == desired {
		return
	}
	raw["dry_run"] = desired
	_ = compose.WriteAtomic(path, raw)
}

// composeDocument 分层合成；失败时降级到单层遗留合成（迁移期兜底）。
func (o *Orchestrator) composeDocument(wsRoot, botRoot, mode, override string) (string, error) {
	cfgPath, err := o.Composer.Compose(wsRoot, botRoot, mode, override)
	if err == nil {
		return cfgPath, nil
	}
	logger.Errorf("分层合成失败，降级为遗留单层合成（迁移兜底，请排查）: %v", err)
	return o.Composer.ComposeLegacy(wsRoot, botRoot)
}

// Start 启动实例 worker。步骤与失败语义见各行注释。
func (o *Orchestrator) Start(ctx context.Context, tenant store.Tenant, inst store.Instance) (store.ProcessRecord, error) {
	name := WorkerName(inst.ID)

	// 1. 直接探测运行时（不信缓存状态）
	alive, err := o.RT.Alive(ctx, name)
	if err != nil {
		return store.ProcessRecord{}, &RuntimeError{Op: "probe", Err: err}
	}
	if alive {
		return store.ProcessRecord{}, &ConflictError{Handle: name}
	}

	wsRoot := tenant.WorkspaceRoot
	botRoot := inst.UserDir
	mode := strings.ToLower(inst.Mode)
	syncDryRunToMode(botRoot, mode)

	// 2. 合并前校验；失败则不触碰任何进程
	report := validate.Validate(compose.LoadAccount(wsRoot), compose.LoadBot(botRoot), mode)
	if !report.OK {
		return store.ProcessRecord{}, &ValidationError{Report: report}
	}

	// 3. 合成运行文档（含降级兜底）
	spec := ParseStrategySpec(inst.ActiveStrategy)
	override := spec.SourceFile
	if override == "" {
		override = spec.Identifier
	}
	cfgPath, err := o.composeDocument(wsRoot, botRoot, mode, override)
	if err != nil {
		return store.ProcessRecord{}, fmt.Errorf("合成运行文档失败: %w", err)
	}

	doc := loadDocument(cfgPath)
	// 4. 策略仍为占位值则拒绝启动
	if s, _ := doc["strategy"].(string); s == "" || s == validate.StrategySentinel {
		return store.ProcessRecord{}, ErrStrategyNotSet
	}

	// 5. 宿主路径翻译为 worker 可见路径，命中则回写文档
	wsStrategies := filepath.Join(wsRoot, "strategies")
	strategyPath, _ := doc["strategy_path"].(string)
	translated := strategyPath
	if strategyPath != "" {
		if tp, ok := TranslatePath(strategyPath, botRoot, wsStrategies); ok {
			doc["strategy_path"] = tp
			translated = tp
			if err := compose.WriteAtomic(cfgPath, doc); err != nil {
				return store.ProcessRecord{}, err
			}
		} else {
			logger.Warnf("strategy_path 未命中任何挂载根，保留宿主路径: %s", strategyPath)
		}
	}

	// 6. 启动 worker，日志持久落盘
	logsDir := filepath.Join(botRoot, "logs")
	outLog := filepath.Join(logsDir, "bot.out.log")
	errLog := filepath.Join(logsDir, "bot.err.log")
	containerCfg := ContainerUserDir + "/configs/" + compose.GeneratedName
	launch := LaunchSpec{
		Name:  name,
		Image: o.Image,
		Binds: []Bind{
			{Host: botRoot, Container: ContainerUserDir},
			{Host: wsStrategies, Container: ContainerStrategies, ReadOnly: true},
		},
		// host 网络：控制 API 绑定回环地址，文档里记录的端口即宿主可达端口
		Network: "host",
		Args:    []string{"trade", "--config", containerCfg, "--userdir", ContainerUserDir, "--strategy-path", translated},
		OutLog:  outLog,
		ErrLog:  errLog,
	}
	logLaunchHeader(outLog, launch)
	if err := o.RT.Launch(ctx, launch); err != nil {
		return store.ProcessRecord{}, &RuntimeError{Op: "launch", Err: err}
	}

	rec := store.ProcessRecord{
		InstanceID: inst.ID,
		Handle:     name,
		Status:     string(StateRunning),
		ConfigPath: cfgPath,
	}
	if err := o.Store.SaveProcess(ctx, rec); err != nil {
		return rec, err
	}
	_ = o.Store.UpdateInstanceStatus(ctx, inst.ID, string(StateRunning))

	// 7. 宽限期后复测：秒退的 worker 按退出码归类并截取错误快照
	time.Sleep(o.graceWait())
	res, err := o.RT.Inspect(ctx, name)
	if err == nil && res.Exists && !res.Running {
		code := res.ExitCode
		rec.ExitCode = &code
		if code != 0 {
			rec.Status = string(StateError)
			snippet := tailLine(errLog, errTailBytes)
			if snippet == "" {
				snippet = "Exited immediately"
			}
			rec.LastError = &snippet
		} else {
			rec.Status = string(StateStopped)
		}
		rec.Handle = ""
		_ = o.Store.SaveProcess(ctx, rec)
		_ = o.Store.UpdateInstanceStatus(ctx, inst.ID, rec.Status)
	}
	return rec, nil
}

// Stop 按约定句柄解析 worker；存活则强杀。无论此前状态如何，
// 持久化状态归一为 stopped 并清空句柄；无 worker 时也是如此（幂等）。
func (o *Orchestrator) Stop(ctx context.Context, inst store.Instance) (store.ProcessRecord, error) {
	name := WorkerName(inst.ID)
	if alive, err := o.RT.Alive(ctx, name); err == nil && alive {
		if err := o.RT.Kill(ctx, name); err != nil {
			return store.ProcessRecord{}, &RuntimeError{Op: "kill", Err: err}
		}
	}
	rec, err := o.Store.GetProcess(ctx, inst.ID)
	if err != nil {
		rec = store.ProcessRecord{InstanceID: inst.ID}
	}
	rec.Status = string(StateStopped)
	rec.Handle = ""
	if err := o.Store.SaveProcess(ctx, rec); err != nil {
		return rec, err
	}
	_ = o.Store.UpdateInstanceStatus(ctx, inst.ID, string(StateStopped))
	return rec, nil
}

// Status 直接探测运行时存活，并与持久化诊断上下文合并；
// 探测失败降级为 unknown，从不抛错。
func (o *Orchestrator) Status(ctx context.Context, inst store.Instance) State {
	name := WorkerName(inst.ID)
	rec, recErr := o.Store.GetProcess(ctx, inst.ID)

	alive, err := o.RT.Alive(ctx, name)
	if err != nil {
		st := Unknown(name)
		if recErr == nil {
			st.ConfigPath = rec.ConfigPath
		}
		return st
	}
	if alive {
		st := Running(name)
		if recErr == nil {
			st.ConfigPath = rec.ConfigPath
		}
		return st
	}
	if recErr != nil {
		return Stopped()
	}
	st := State{Kind: StateKind(rec.Status), ConfigPath: rec.ConfigPath, ExitCode: rec.ExitCode}
	if st.Kind == StateRunning {
		// 持久状态落后于现实（worker 已消失），向下归一
		st.Kind = StateStopped
	}
	if rec.LastError != nil {
		st.LastError = *rec.LastError
	}
	return st
}

// Backtest 与 start 同一条校验/合成路径，但以时间后缀的一次性身份
// 启动非守护 worker；同实例并发回测是允许的。
func (o *Orchestrator) Backtest(ctx context.Context, tenant store.Tenant, inst store.Instance, params BacktestParams) (string, error) {
	wsRoot := tenant.WorkspaceRoot
	botRoot := inst.UserDir
	mode := strings.ToLower(inst.Mode)
	syncDryRunToMode(botRoot, mode)

	report := validate.Validate(compose.LoadAccount(wsRoot), compose.LoadBot(botRoot), mode)
	if !report.OK {
		return "", &ValidationError{Report: report}
	}

	spec := ParseStrategySpec(inst.ActiveStrategy)
	override := spec.SourceFile
	if override == "" {
		override = spec.Identifier
	}
	cfgPath, err := o.composeDocument(wsRoot, botRoot, mode, override)
	if err != nil {
		return "", fmt.Errorf("合成运行文档失败: %w", err)
	}
	doc := loadDocument(cfgPath)
	if s, _ := doc["strategy"].(string); s == "" || s == validate.StrategySentinel {
		return "", ErrStrategyNotSet
	}

	wsStrategies := filepath.Join(wsRoot, "strategies")
	translated, _ := doc["strategy_path"].(string)
	if tp, ok := TranslatePath(translated, botRoot, wsStrategies); ok {
		doc["strategy_path"] = tp
		translated = tp
		if err := compose.WriteAtomic(cfgPath, doc); err != nil {
			return "", err
		}
	}

	name := fmt.Sprintf("%s-bt-%d", WorkerName(inst.ID), time.Now().Unix())
	args := []string{"backtesting", "--config", ContainerUserDir + "/configs/" + compose.GeneratedName,
		"--userdir", ContainerUserDir, "--strategy-path", translated}
	if params.Timerange != "" {
		args = append(args, "--timerange", params.Timerange)
	}
	if params.ExportTrades {
		args = append(args, "--export", "trades")
	}
	logsDir := filepath.Join(botRoot, "logs")
	launch := LaunchSpec{
		Name:  name,
		Image: o.Image,
		Binds: []Bind{
			{Host: botRoot, Container: ContainerUserDir},
			{Host: wsStrategies, Container: ContainerStrategies, ReadOnly: true},
		},
		Network: "host",
		Args:    args,
		OutLog:  filepath.Join(logsDir, name+".out.log"),
		ErrLog:  filepath.Join(logsDir, name+".err.log"),
	}
	logLaunchHeader(launch.OutLog, launch)
	if err := o.RT.Launch(ctx, launch); err != nil {
		return "", &RuntimeError{Op: "launch", Err: err}
	}
	return name, nil
}

func loadDocument(path string) compose.Document {
	data, err := os.ReadFile(path)
	if err != nil {
		return compose.Document{}
	}
	var doc compose.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return compose.Document{}
	}
	return doc
}

// logLaunchHeader 在输出日志头部追加一行启动命令，便于事后排查。
func logLaunchHeader(outLog string, spec LaunchSpec) {
	if err := os.MkdirAll(filepath.Dir(outLog), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(outLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "\n==== WORKER START %s ===\nIMAGE: %s\nARGS: %s\n",
		time.Now().Format("2006-01-02 15:04:05"), spec.Image, strings.Join(spec.Args, " "))
}

// tailLine 读文件末尾 max 字节，返回最后一个非空行。
func tailLine(path string, max int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return ""
	}
	off := fi.Size() - max
	if off < 0 {
		off = 0
	}
	buf := make([]byte, fi.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && len(buf) > 0 {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
