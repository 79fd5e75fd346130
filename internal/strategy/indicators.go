package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"botfarm/internal/market"
)

// 中文说明：
// 宿主侧指标计算。worker 自己会算指标，但分析快照/图表在 worker
// 不在场时也要能出图，这里用 talib 对 K 线直接补算一套常用指标。

// IndicatorSet 指标参数；零值用 Defaults。
type IndicatorSet struct {
	EMAPeriods   []int
	RSIPeriod    int
	ADXPeriod    int
	BBandsPeriod int
}

func DefaultIndicators() IndicatorSet {
	return IndicatorSet{
		EMAPeriods:   []int{20, 50},
		RSIPeriod:    14,
		ADXPeriod:    14,
		BBandsPeriod: 20,
	}
}

// ComputeIndicators 对 K 线序列计算指标列。返回列名 -> 等长序列，
// 周期不足的前缀位为 0（talib 约定）。
func ComputeIndicators(candles []market.Candle, set IndicatorSet) (map[string][]float64, error) {
	if len(set.EMAPeriods) == 0 && set.RSIPeriod == 0 {
		set = DefaultIndicators()
	}
	n := len(candles)
	if n == 0 {
		return map[string][]float64{}, nil
	}

	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	for i, c := range candles {
		high[i] = c.High
		low[i] = c.Low
		closes[i] = c.Close
	}

	cols := map[string][]float64{}
	for _, p := range set.EMAPeriods {
		if p <= 0 || p > n {
			continue
		}
		cols[fmt.Sprintf("ema_%d", p)] = talib.Ema(closes, p)
	}
	if p := set.RSIPeriod; p > 0 && p < n {
		cols["rsi"] = talib.Rsi(closes, p)
	}
	if p := set.ADXPeriod; p > 0 && p*2 < n {
		cols["adx"] = talib.Adx(high, low, closes, p)
	}
	if p := set.BBandsPeriod; p > 0 && p <= n {
		upper, middle, lower := talib.BBands(closes, p, 2.0, 2.0, talib.SMA)
		cols["bb_upper"] = upper
		cols["bb_middle"] = middle
		cols["bb_lower"] = lower
	}
	return cols, nil
}
