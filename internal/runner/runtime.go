package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// 中文说明：
// worker 运行时抽象。实现只有 docker CLI 一种；抽成接口是为了让
// orchestrator 的状态机可以用假运行时做测试。启动后的 worker 无人监管，
// 只在下一次 status/stop/start 调用时被重新观测。

// Bind 宿主机目录 -> 容器目录挂载。
type Bind struct {
	Host      string
	Container string
	ReadOnly  bool
}

// LaunchSpec 一次 worker 启动的完整描述。
type LaunchSpec struct {
	// Name 容器名，同时是 worker 的句柄
	Name  string
	Image string
	Binds []Bind
	// Network 容器网络模式。trade worker 用 "host"：控制 API 绑定在
	// 回环地址，宿主侧必须能按合成文档里记录的 127.0.0.1:<port> 直连
	Network string
	// Args 引擎参数（子命令起），必须与外部引擎的调用契约一致
	Args []string
	// OutLog / ErrLog worker 标准输出/错误的宿主机落盘路径
	OutLog string
	ErrLog string
}

// InspectResult 运行时对单个 worker 的直接观测。
type InspectResult struct {
	Exists   bool
	Running  bool
	ExitCode int64
}

// Runtime worker 运行时能力面。
type Runtime interface {
	// Alive 直接探测（不读缓存状态）
	Alive(ctx context.Context, name string) (bool, error)
	// Launch 启动并立即返回；句柄即 spec.Name
	Launch(ctx context.Context, spec LaunchSpec) error
	// Inspect 返回存在性/存活/退出码
	Inspect(ctx context.Context, name string) (InspectResult, error)
	// Kill 强制终止并移除
	Kill(ctx context.Context, name string) error
}

// DockerRuntime 基于 docker CLI 的运行时实现。
type DockerRuntime struct {
	// Bin docker 可执行文件，空则为 "docker"
	Bin string
}

func (d *DockerRuntime) bin() string {
	if d != nil && d.Bin != "" {
		return d.Bin
	}
	return "docker"
}

func isNoSuchObject(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such object") || strings.Contains(s, "no such container")
}

func (d *DockerRuntime) inspectFormat(ctx context.Context, name, format string) (string, error) {
	cmd := exec.CommandContext(ctx, d.bin(), "inspect", "-f", format, name)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		if isNoSuchObject(errBuf.String()) {
			return "", os.ErrNotExist
		}
		return "", fmt.Errorf("docker inspect: %v: %s", err, strings.TrimSpace(errBuf.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

func (d *DockerRuntime) Alive(ctx context.Context, name string) (bool, error) {
	out, err := d.inspectFormat(ctx, name, "{{.State.Running}}")
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return out == "true", nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, name string) (InspectResult, error) {
	out, err := d.inspectFormat(ctx, name, "{{.State.Running}} {{.State.ExitCode}}")
	if err != nil {
		if os.IsNotExist(err) {
			return InspectResult{}, nil
		}
		return InspectResult{}, err
	}
	fields := strings.Fields(out)
	res := InspectResult{Exists: true}
	if len(fields) >= 1 {
		res.Running = fields[0] == "true"
	}
	if len(fields) >= 2 {
		code, _ := strconv.ParseInt(fields[1], 10, 64)
		res.ExitCode = code
	}
	return res, nil
}

// runArgs 由 LaunchSpec 组装 docker run 参数。
func runArgs(spec LaunchSpec) []string {
	args := []string{"run", "--name", spec.Name}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	for _, b := range spec.Binds {
		mount := b.Host + ":" + b.Container
		if b.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "-v", mount)
	}
	args = append(args, spec.Image)
	return append(args, spec.Args...)
}

// Launch 以附着方式运行容器，stdout/stderr 持久重定向到日志文件；
// docker run 本身作为脱管子进程存在，容器退出它才退出。
func (d *DockerRuntime) Launch(ctx context.Context, spec LaunchSpec) error {
	// 同名残留容器（上次崩溃遗留）先移除，否则 --name 会冲突
	_ = exec.CommandContext(ctx, d.bin(), "rm", "-f", spec.Name).Run()

	args := runArgs(spec)

	if err := os.MkdirAll(filepath.Dir(spec.OutLog), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(spec.OutLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开输出日志失败: %w", err)
	}
	errFile, err := os.OpenFile(spec.ErrLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		out.Close()
		return fmt.Errorf("打开错误日志失败: %w", err)
	}

	cmd := exec.Command(d.bin(), args...)
	cmd.Stdout = out
	cmd.Stderr = errFile
	if err := cmd.Start(); err != nil {
		out.Close()
		errFile.Close()
		return fmt.Errorf("docker run 启动失败: %w", err)
	}
	// 不 Wait：worker 脱管运行；文件句柄随子进程退出关闭
	go func() {
		_ = cmd.Wait()
		out.Close()
		errFile.Close()
	}()
	return nil
}

func (d *DockerRuntime) Kill(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, d.bin(), "rm", "-f", name)
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		if isNoSuchObject(errBuf.String()) {
			return nil
		}
		return fmt.Errorf("docker rm -f: %v: %s", err, strings.TrimSpace(errBuf.String()))
	}
	return nil
}
