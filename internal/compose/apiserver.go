package compose

import (
	"fmt"
	"net"

	"github.com/google/uuid"
)

// 中文说明：
// 保证运行文档带有可用的本地控制 API。缺失或未启用时整块合成：
// 回环地址、从固定基准向上探测的可用端口、每次合成新鲜的随机凭证；
// 已启用时只补缺失子键，绝不覆盖运维手工设置的值。

var apiServerDefaults = map[string]any{
	"enabled":           true,
	"listen_ip_address": "127.0.0.1",
	"verbosity":         "error",
	"enable_openapi":    false,
	"CORS_origins":      []any{},
}

func (c *Composer) secret() string {
	if c.Secret != nil {
		return c.Secret()
	}
	return uuid.NewString()
}

func (c *Composer) probePort() int {
	base := c.PortBase
	if base <= 0 {
		base = 8080
	}
	if c.ProbePort != nil {
		return c.ProbePort(base)
	}
	return firstFreePort(base)
}

// firstFreePort 从 base 向上探测第一个可监听的 TCP 端口。
func firstFreePort(base int) int {
	for port := base; port < base+1000; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port
	}
	return base
}

func (c *Composer) ensureAPIServer(cfg Document) {
	api, _ := cfg["api_server"].(map[string]any)
	enabled := false
	if api != nil {
		enabled, _ = api["enabled"].(bool)
	}
	if api == nil || !enabled {
		api = map[string]any{}
		cfg["api_server"] = api
	}
	for k, v := range apiServerDefaults {
		if _, ok := api[k]; !ok {
			api[k] = v
		}
	}
	if _, ok := api["listen_port"]; !ok {
		api["listen_port"] = float64(c.probePort())
	}
	if _, ok := api["username"]; !ok {
		s := c.secret()
		if len(s) > 8 {
			s = s[:8]
		}
		api["username"] = "bot-" + s
	}
	if _, ok := api["password"]; !ok {
		api["password"] = c.secret()
	}
	if _, ok := api["jwt_secret_key"]; !ok {
		api["jwt_secret_key"] = c.secret()
	}
	if _, ok := api["ws_token"]; !ok {
		api["ws_token"] = c.secret()
	}
}
