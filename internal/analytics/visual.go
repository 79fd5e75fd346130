package analytics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// SnapshotPNG 用无头浏览器把图表 HTML 截成 PNG。
// 需要宿主机有 Chrome/Chromium；没有时返回错误而不是崩溃。
func SnapshotPNG(ctx context.Context, htmlPath string, timeout time.Duration) (string, error) {
	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("图表文件不存在: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx,
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
		)...)
	defer cancelAlloc()
	runCtx, cancelRun := chromedp.NewContext(allocCtx)
	defer cancelRun()
	runCtx, cancelTimeout := context.WithTimeout(runCtx, timeout)
	defer cancelTimeout()

	var buf []byte
	err = chromedp.Run(runCtx,
		chromedp.Navigate("file://"+abs),
		// 等 echarts 脚本画完
		chromedp.Sleep(1500*time.Millisecond),
		chromedp.FullScreenshot(&buf, 90),
	)
	if err != nil {
		return "", fmt.Errorf("截图失败: %w", err)
	}

	outPath := strings.TrimSuffix(abs, filepath.Ext(abs)) + ".png"
	if err := os.WriteFile(outPath, buf, 0o644); err != nil {
		return "", err
	}
	return outPath, nil
}
