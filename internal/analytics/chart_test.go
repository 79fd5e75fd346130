package analytics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfarm/internal/collector"
	"botfarm/internal/market"
)

func sampleFixture() collector.Sample {
	candles := make([]market.Candle, 40)
	for i := range candles {
		p := 100 + float64(i%7)
		candles[i] = market.Candle{Time: int64(i) * 300_000, Open: p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: 10}
	}
	return collector.Sample{
		InstanceID: 1,
		Pair:       "BTC/USDT",
		Timeframe:  "5m",
		Candles:    candles,
		Indicators: map[string][]float64{"ema_20": make([]float64, 40)},
		Source:     "engine",
		FetchedAt:  time.Unix(1756100000, 0),
	}
}

func TestRenderKlineWritesHTML(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "analytics")
	path, err := RenderKline(sampleFixture(), outDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "BTC_USDT-5m-1756100000.html"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "BTC/USDT 5m")
	assert.Contains(t, html, "ema_20")
	assert.Contains(t, html, "echarts")
}

func TestRenderKlineRejectsEmptySample(t *testing.T) {
	s := sampleFixture()
	s.Candles = nil
	_, err := RenderKline(s, t.TempDir())
	assert.Error(t, err)
}

func TestSnapshotPNGMissingFile(t *testing.T) {
	_, err := SnapshotPNG(context.Background(), filepath.Join(t.TempDir(), "missing.html"), time.Second)
	assert.Error(t, err)
}
