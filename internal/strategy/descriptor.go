package strategy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// 中文说明：
// 策略源码的静态元数据读取。只做文本扫描，绝不执行策略代码：
// 正则提取类名 / timeframe / informative_timeframe，拿不到就留空。
// Discover 按路径优先级汇总多个策略目录，前面的路径覆盖后面的。

// Descriptor 单个策略的静态描述。
type Descriptor struct {
	Identifier           string `json:"identifier"`
	Timeframe            string `json:"timeframe"`
	InformativeTimeframe string `json:"informative_timeframe"`
	SourceFile           string `json:"source_file"`
}

var (
	classRe = regexp.MustCompile(`(?m)^class\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	tfRe    = regexp.MustCompile(`(?m)^\s*timeframe\s*(?::\s*str\s*)?=\s*['"]([^'"]+)['"]`)
	infTfRe = regexp.MustCompile(`(?m)^\s*informative_timeframe\s*(?::\s*str\s*)?=\s*['"]([^'"]+)['"]`)
)

// 基类名不算策略本体
var baseClassNames = map[string]bool{
	"IStrategy":    true,
	"BaseStrategy": true,
}

// ReadFile 扫描单个 .py 源文件，返回其中声明的策略描述。
// 一个文件可能声明多个类；每个类共享文件级 timeframe 声明。
func ReadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取策略源码失败: %w", err)
	}
	src := string(data)

	tf := ""
	if m := tfRe.FindStringSubmatch(src); m != nil {
		tf = m[1]
	}
	infTf := ""
	if m := infTfRe.FindStringSubmatch(src); m != nil {
		infTf = m[1]
	}

	var out []Descriptor
	for _, m := range classRe.FindAllStringSubmatch(src, -1) {
		name := m[1]
		if baseClassNames[name] || strings.HasPrefix(name, "_") {
			continue
		}
		out = append(out, Descriptor{
			Identifier:           name,
			Timeframe:            tf,
			InformativeTimeframe: infTf,
			SourceFile:           path,
		})
	}
	return out, nil
}

// Discover 扫描一组策略目录（非递归），返回标识符 -> 描述。
// paths 靠前的目录优先：同名策略以先发现的为准。
func Discover(paths []string) (map[string]Descriptor, error) {
	found := map[string]Descriptor{}
	for _, dir := range paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("读取策略目录 %s 失败: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if !strings.HasSuffix(name, ".py") || strings.HasPrefix(name, "_") {
				continue
			}
			descs, err := ReadFile(filepath.Join(dir, name))
			if err != nil {
				// 单个坏文件不阻断发现
				continue
			}
			for _, d := range descs {
				if _, seen := found[d.Identifier]; !seen {
					found[d.Identifier] = d
				}
			}
		}
	}
	return found, nil
}

// List Discover 的有序视图，给 HTTP 层直接返回。
func List(paths []string) ([]Descriptor, error) {
	found, err := Discover(paths)
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(found))
	for _, d := range found {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// Lookup 在多个目录中查找指定标识符的策略。
func Lookup(paths []string, identifier string) (Descriptor, bool, error) {
	found, err := Discover(paths)
	if err != nil {
		return Descriptor{}, false, err
	}
	d, ok := found[identifier]
	return d, ok, nil
}
