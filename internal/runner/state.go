package runner

// 中文说明：
// 生命周期状态用带标签的变体表达，非法迁移不可表示：
//   stopped -> running -> {stopped, error}
//   stopped -> backtesting -> stopped

type StateKind string

const (
	StateStopped     StateKind = "stopped"
	StateRunning     StateKind = "running"
	StateError       StateKind = "error"
	StateBacktesting StateKind = "backtesting"
	// StateUnknown 仅由探测失败降级产生，不是机内迁移目标
	StateUnknown StateKind = "unknown"
)

// State 实例的组合状态：运行时直接探测结果 + 持久化的诊断上下文。
type State struct {
	Kind       StateKind `json:"status"`
	Handle     string    `json:"handle,omitempty"`
	ConfigPath string    `json:"config,omitempty"`
	ExitCode   *int64    `json:"exit_code,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

func Stopped() State                { return State{Kind: StateStopped} }
func Running(handle string) State   { return State{Kind: StateRunning, Handle: handle} }
func Backtesting(h string) State    { return State{Kind: StateBacktesting, Handle: h} }
func Unknown(handle string) State   { return State{Kind: StateUnknown, Handle: handle} }

func Errored(code int64, snippet string) State {
	return State{Kind: StateError, ExitCode: &code, LastError: snippet}
}
