package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"botfarm/internal/compose"
)

// 中文说明：
// 把控制调用转发到运行中 worker 的私有控制 API。基址与 basic-auth 凭证
// 严格取自合成文档，绝不接受调用方传入；只透传 content-type 这一个头，
// 避免宿主侧 Host/Authorization 泄漏进私有一跳。传输层失败映射为网关
// 错误码，与上游应用自身的错误码区分。

// ErrNotEnabled 合成文档未声明启用控制 API；不发起任何网络调用。
var ErrNotEnabled = errors.New("control API not enabled")

// apiPrefix 外部引擎控制 API 的固定前缀。
const apiPrefix = "/api/v1"

// Result 一次转发的结果：上游状态码原样返回；Payload 为可解析的
// 结构化数据，否则是原始文本。
type Result struct {
	Status  int `json:"status"`
	Payload any `json:"payload"`
}

// Forwarder 控制 API 转发器。
type Forwarder struct {
	client *http.Client
}

func New(timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Forwarder{client: &http.Client{Timeout: timeout}}
}

// endpoint 从合成文档解析私有基址；未启用时返回 ErrNotEnabled。
func endpoint(doc compose.Document) (*url.URL, string, string, error) {
	api, _ := doc["api_server"].(map[string]any)
	if api == nil {
		return nil, "", "", ErrNotEnabled
	}
	if enabled, _ := api["enabled"].(bool); !enabled {
		return nil, "", "", ErrNotEnabled
	}
	host, _ := api["listen_ip_address"].(string)
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	port := 0
	switch p := api["listen_port"].(type) {
	case float64:
		port = int(p)
	case int:
		port = p
	}
	if port <= 0 {
		return nil, "", "", fmt.Errorf("合成文档缺少 api_server.listen_port")
	}
	base, err := url.Parse(fmt.Sprintf("http://%s:%d%s", host, port, apiPrefix))
	if err != nil {
		return nil, "", "", err
	}
	user, _ := api["username"].(string)
	pass, _ := api["password"].(string)
	return base, user, pass, nil
}

// Forward 转发一次控制调用。返回的 error 只表示「请求根本无法构造/未启用」；
// 传输失败与上游错误都体现在 Result 中。
func (f *Forwarder) Forward(ctx context.Context, doc compose.Document, method, subpath string, query url.Values, body []byte, contentType string) (Result, error) {
	base, user, pass, err := endpoint(doc)
	if err != nil {
		if errors.Is(err, ErrNotEnabled) {
			return Result{Status: http.StatusServiceUnavailable, Payload: map[string]any{"detail": "control API not enabled"}}, ErrNotEnabled
		}
		return Result{}, err
	}

	if !strings.HasPrefix(subpath, "/") {
		subpath = "/" + subpath
	}
	target := *base
	target.Path = strings.TrimSuffix(base.Path, "/") + subpath
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return Result{}, fmt.Errorf("构造请求失败: %w", err)
	}
	// 头部白名单：只透传 content-type
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	// 凭证只来自合成文档
	if user != "" {
		req.SetBasicAuth(user, pass)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// 连接拒绝/超时等传输失败 -> 网关错误，与上游应用错误区分
		return Result{Status: http.StatusBadGateway, Payload: map[string]any{"detail": fmt.Sprintf("control API unreachable: %v", err)}}, nil
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{Status: http.StatusBadGateway, Payload: map[string]any{"detail": fmt.Sprintf("read control API response: %v", err)}}, nil
	}
	var parsed any
	if json.Unmarshal(data, &parsed) == nil {
		return Result{Status: resp.StatusCode, Payload: parsed}, nil
	}
	return Result{Status: resp.StatusCode, Payload: strings.TrimSpace(string(data))}, nil
}
