package market

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
)

// 中文说明：
// K 线类型与兜底行情源。首选路径是经 proxy 读 worker 控制 API 的
// /pair_candles；worker 拿不到数据时（冷启动、backstage），退回
// 交易所 REST 直拉。

// Candle 简化的 K 线结构。
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// CandleSource 按交易对/周期拉取最近 N 根 K 线。
type CandleSource interface {
	Candles(ctx context.Context, pair, timeframe string, limit int) ([]Candle, error)
}

// BinanceSource 现货 REST 兜底行情源。
type BinanceSource struct {
	client *binance.Client
}

func NewBinanceSource() *BinanceSource {
	// 公共行情端点无需凭证
	return &BinanceSource{client: binance.NewClient("", "")}
}

// binanceSymbol "BTC/USDT" -> "BTCUSDT"
func binanceSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(pair), "/", ""))
}

func (s *BinanceSource) Candles(ctx context.Context, pair, timeframe string, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 200
	}
	ks, err := s.client.NewKlinesService().
		Symbol(binanceSymbol(pair)).
		Interval(timeframe).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("拉取 %s %s K线失败: %w", pair, timeframe, err)
	}
	out := make([]Candle, 0, len(ks))
	for _, k := range ks {
		out = append(out, Candle{
			Time:   k.OpenTime,
			Open:   parseF(k.Open),
			High:   parseF(k.High),
			Low:    parseF(k.Low),
			Close:  parseF(k.Close),
			Volume: parseF(k.Volume),
		})
	}
	return out, nil
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// ParseEngineCandles 解析 worker 控制 API /pair_candles 的返回。
// 兼容两种形状：{"columns": [...], "data": [[...]]} 与对象数组。
func ParseEngineCandles(payload any) ([]Candle, error) {
	obj, ok := payload.(map[string]any)
	if ok {
		if inner, has := obj["data"]; has {
			if cols, hasCols := obj["columns"].([]any); hasCols {
				return parseColumnar(cols, inner)
			}
			payload = inner
		}
	}
	rows, ok := payload.([]any)
	if !ok || len(rows) == 0 {
		return nil, fmt.Errorf("无法识别的 K线响应形状")
	}
	if _, isMap := rows[0].(map[string]any); isMap {
		return parseObjects(rows)
	}
	// 无列名的数组行：按 [date, open, high, low, close, volume] 约定
	cols := []any{"date", "open", "high", "low", "close", "volume"}
	return parseColumnar(cols, rows)
}

func parseColumnar(cols []any, data any) ([]Candle, error) {
	rows, ok := data.([]any)
	if !ok {
		return nil, fmt.Errorf("K线 data 不是数组")
	}
	idx := map[string]int{}
	for i, c := range cols {
		if name, _ := c.(string); name != "" {
			idx[strings.ToLower(name)] = i
		}
	}
	get := func(row []any, name string) float64 {
		i, ok := idx[name]
		if !ok || i >= len(row) {
			return 0
		}
		switch v := row[i].(type) {
		case float64:
			return v
		case string:
			return parseF(v)
		}
		return 0
	}
	out := make([]Candle, 0, len(rows))
	for _, r := range rows {
		row, ok := r.([]any)
		if !ok || len(row) < 6 {
			continue
		}
		c := Candle{
			Open:   get(row, "open"),
			High:   get(row, "high"),
			Low:    get(row, "low"),
			Close:  get(row, "close"),
			Volume: get(row, "volume"),
		}
		if i, ok := idx["date"]; ok && i < len(row) {
			c.Time = parseTimeMillis(row[i])
		}
		out = append(out, c)
	}
	return out, nil
}

func parseObjects(rows []any) ([]Candle, error) {
	out := make([]Candle, 0, len(rows))
	for _, r := range rows {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		num := func(k string) float64 {
			switch v := m[k].(type) {
			case float64:
				return v
			case string:
				return parseF(v)
			}
			return 0
		}
		out = append(out, Candle{
			Time:   parseTimeMillis(m["date"]),
			Open:   num("open"),
			High:   num("high"),
			Low:    num("low"),
			Close:  num("close"),
			Volume: num("volume"),
		})
	}
	return out, nil
}

func parseTimeMillis(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UnixMilli()
		}
		if ts, err := time.Parse("2006-01-02 15:04:05", t); err == nil {
			return ts.UnixMilli()
		}
	}
	return 0
}

// TimeframeSeconds "5m"/"1h"/"1d" -> 秒；无法识别时按 5m 处理。
func TimeframeSeconds(tf string) int {
	tf = strings.ToLower(strings.TrimSpace(tf))
	if tf == "" {
		return 300
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 300
	}
	switch tf[len(tf)-1] {
	case 'm':
		return n * 60
	case 'h':
		return n * 3600
	case 'd':
		return n * 86400
	}
	return 300
}
