package analytics

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"botfarm/internal/collector"
)

// 中文说明：
// 用采集快照渲染 K 线图（HTML），指标序列叠加为折线。
// 产物落在实例目录的 analytics/ 下，文件名带交易对与时间戳。

// RenderKline 渲染单个交易对的 K 线 HTML，返回产物路径。
func RenderKline(sample collector.Sample, outDir string) (string, error) {
	if len(sample.Candles) == 0 {
		return "", fmt.Errorf("快照无 K 线数据: %s", sample.Pair)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}

	x := make([]string, 0, len(sample.Candles))
	kd := make([]opts.KlineData, 0, len(sample.Candles))
	for _, c := range sample.Candles {
		x = append(x, time.UnixMilli(c.Time).Format("01-02 15:04"))
		// echarts K 线值序约定 [open, close, low, high]
		kd = append(kd, opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}})
	}

	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("%s %s", sample.Pair, sample.Timeframe),
			Subtitle: "source: " + sample.Source,
		}),
		charts.WithXAxisOpts(opts.XAxis{SplitNumber: 20}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 50, End: 100}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	kline.SetXAxis(x).AddSeries("kline", kd)

	// 指标列按名字稳定排序后叠加，渲染结果可复现
	names := make([]string, 0, len(sample.Indicators))
	for name := range sample.Indicators {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		series := sample.Indicators[name]
		ld := make([]opts.LineData, 0, len(series))
		for _, v := range series {
			ld = append(ld, opts.LineData{Value: v})
		}
		line := charts.NewLine()
		line.SetXAxis(x).AddSeries(name, ld,
			charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)}))
		kline.Overlap(line)
	}

	name := fmt.Sprintf("%s-%s-%d.html", safePair(sample.Pair), sample.Timeframe, sample.FetchedAt.Unix())
	outPath := filepath.Join(outDir, name)
	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("创建图表文件失败: %w", err)
	}
	defer f.Close()
	if err := kline.Render(f); err != nil {
		return "", fmt.Errorf("渲染图表失败: %w", err)
	}
	return outPath, nil
}

func safePair(pair string) string {
	out := make([]rune, 0, len(pair))
	for _, r := range pair {
		if r == '/' || r == ':' {
			r = '_'
		}
		out = append(out, r)
	}
	return string(out)
}
