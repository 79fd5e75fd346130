package compose

// 中文说明：
// 递归深合并：两边都是对象则按键递归；其余类型一律以高优先层整体覆盖。

// Document 为一层或合并后的 JSON 树（与磁盘 JSON 同构）。
type Document = map[string]any

// DeepMerge 将 b 合并进 a（b 为高优先层），返回 a。
func DeepMerge(a, b Document) Document {
	for k, v := range b {
		bv, bIsMap := v.(map[string]any)
		av, aIsMap := a[k].(map[string]any)
		if bIsMap && aIsMap {
			DeepMerge(av, bv)
			continue
		}
		a[k] = v
	}
	return a
}

// Clone 深拷贝一棵 JSON 树，避免层间共享可变子对象。
func Clone(d Document) Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
