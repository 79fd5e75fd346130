package strategy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfarm/internal/market"
)

func syntheticCandles(n int) []market.Candle {
	out := make([]market.Candle, n)
	price := 100.0
	for i := range out {
		// 确定性波动序列
		price += 1.5 * math.Sin(float64(i)/4)
		out[i] = market.Candle{
			Time:   int64(i) * 60_000,
			Open:   price - 0.5,
			High:   price + 1,
			Low:    price - 1,
			Close:  price,
			Volume: 1000,
		}
	}
	return out
}

func TestComputeIndicatorsDefaults(t *testing.T) {
	candles := syntheticCandles(120)
	cols, err := ComputeIndicators(candles, IndicatorSet{})
	require.NoError(t, err)

	for _, name := range []string{"ema_20", "ema_50", "rsi", "adx", "bb_upper", "bb_middle", "bb_lower"} {
		require.Contains(t, cols, name)
		assert.Len(t, cols[name], len(candles), name)
	}

	last := len(candles) - 1
	assert.GreaterOrEqual(t, cols["bb_upper"][last], cols["bb_middle"][last])
	assert.GreaterOrEqual(t, cols["bb_middle"][last], cols["bb_lower"][last])
	rsi := cols["rsi"][last]
	assert.True(t, rsi >= 0 && rsi <= 100, "rsi=%f", rsi)
}

func TestComputeIndicatorsShortSeries(t *testing.T) {
	// 数据不足的指标直接缺列，不报错
	cols, err := ComputeIndicators(syntheticCandles(10), IndicatorSet{
		EMAPeriods: []int{5, 50}, RSIPeriod: 14, ADXPeriod: 14, BBandsPeriod: 20,
	})
	require.NoError(t, err)
	assert.Contains(t, cols, "ema_5")
	assert.NotContains(t, cols, "ema_50")
	assert.NotContains(t, cols, "rsi")
	assert.NotContains(t, cols, "adx")
	assert.NotContains(t, cols, "bb_upper")
}

func TestComputeIndicatorsEmpty(t *testing.T) {
	cols, err := ComputeIndicators(nil, DefaultIndicators())
	require.NoError(t, err)
	assert.Empty(t, cols)
}
