package runner

import (
	"errors"
	"fmt"

	"botfarm/internal/validate"
)

// ErrStrategyNotSet 合成后策略仍为占位值，拒绝启动。
var ErrStrategyNotSet = errors.New("strategy not set (placeholder still present)")

// ConflictError 启动时发现同名 worker 已存活。
type ConflictError struct {
	Handle string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("worker 已在运行: %s", e.Handle)
}

// ValidationError 携带分类后的校验报告；进程未被触碰。
type ValidationError struct {
	Report validate.Report
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("配置校验失败: user=%d bot=%d 处错误", len(e.Report.UserErrors), len(e.Report.BotErrors))
}

// RuntimeError worker 运行时（容器引擎）不可用或调用失败。
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string { return fmt.Sprintf("worker 运行时 %s 失败: %v", e.Op, e.Err) }
func (e *RuntimeError) Unwrap() error { return e.Err }
