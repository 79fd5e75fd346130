package runner

import (
	"path/filepath"
	"strings"
)

// 中文说明：
// 宿主机路径 -> worker 可见路径的翻译。挂载根是固定的小集合：
// 实例根挂到 /freqtrade/user_data，workspace 共享策略目录挂到
// /freqtrade/extra_strategies。匹配不上任何挂载根则翻译失败，原样保留。

const (
	ContainerUserDir    = "/freqtrade/user_data"
	ContainerStrategies = "/freqtrade/extra_strategies"
)

// mountRoot 一条宿主根到容器根的映射。
type mountRoot struct {
	Host      string
	Container string
}

// TranslatePath 把宿主机路径翻译为容器内路径；bool 表示是否命中挂载根。
func TranslatePath(hostPath, instanceRoot, wsStrategiesDir string) (string, bool) {
	roots := []mountRoot{
		{Host: filepath.Clean(instanceRoot), Container: ContainerUserDir},
		{Host: filepath.Clean(wsStrategiesDir), Container: ContainerStrategies},
	}
	clean := filepath.Clean(hostPath)
	for _, r := range roots {
		if clean == r.Host {
			return r.Container, true
		}
		prefix := r.Host + string(filepath.Separator)
		if strings.HasPrefix(clean, prefix) {
			rel := strings.TrimPrefix(clean, prefix)
			return r.Container + "/" + filepath.ToSlash(rel), true
		}
	}
	return hostPath, false
}

// HostStrategyPath 反向翻译：容器内 strategy_path 还原为宿主机路径
// （分析采集侧读取策略源码时使用）。
func HostStrategyPath(containerPath, instanceRoot, wsStrategiesDir string) (string, bool) {
	switch {
	case containerPath == ContainerUserDir:
		return instanceRoot, true
	case strings.HasPrefix(containerPath, ContainerUserDir+"/"):
		rel := strings.TrimPrefix(containerPath, ContainerUserDir+"/")
		return filepath.Join(instanceRoot, filepath.FromSlash(rel)), true
	case containerPath == ContainerStrategies:
		return wsStrategiesDir, true
	case strings.HasPrefix(containerPath, ContainerStrategies+"/"):
		rel := strings.TrimPrefix(containerPath, ContainerStrategies+"/")
		return filepath.Join(wsStrategiesDir, filepath.FromSlash(rel)), true
	}
	return containerPath, false
}
