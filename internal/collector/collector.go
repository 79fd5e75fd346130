package collector

import (
	"context"
	"sync"
	"time"

	"botfarm/internal/logger"
	"botfarm/internal/market"
	"botfarm/internal/strategy"
)

// 中文说明：
// 每实例后台采集器：按策略周期的一半轮询 K 线并补算指标，
// 缓存最近一份快照，同时向订阅者广播。缓存锁与订阅者锁分开，
// 慢消费者只会丢消息，绝不拖住采集循环。

const (
	minInterval = 15 * time.Second
	maxInterval = 60 * time.Second

	// 连续投递失败达到此次数的订阅者被注销（通道关闭即注销信号）
	maxObserverMisses = 4
)

// Sample 一次采集的产物。
type Sample struct {
	InstanceID int64                `json:"instance_id"`
	Pair       string               `json:"pair"`
	Timeframe  string               `json:"timeframe"`
	Candles    []market.Candle      `json:"candles"`
	Indicators map[string][]float64 `json:"indicators"`
	Source     string               `json:"source"`
	FetchedAt  time.Time            `json:"fetched_at"`
}

// FetchFunc 拉取一组 K 线；source 标记来源（engine / exchange）。
type FetchFunc func(ctx context.Context, pair, timeframe string, limit int) (candles []market.Candle, source string, err error)

// Collector 单实例采集器。
type Collector struct {
	InstanceID int64
	Pairs      []string
	Timeframe  string
	Limit      int
	Fetch      FetchFunc
	Indicators strategy.IndicatorSet

	mu    sync.RWMutex // 保护 cache
	cache map[string]Sample

	obsMu     sync.Mutex // 保护 observers，与 mu 无嵌套
	observers map[chan Sample]int // 值为连续投递失败次数

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(instanceID int64, pairs []string, timeframe string, limit int, fetch FetchFunc) *Collector {
	if limit <= 0 {
		limit = 200
	}
	return &Collector{
		InstanceID: instanceID,
		Pairs:      pairs,
		Timeframe:  timeframe,
		Limit:      limit,
		Fetch:      fetch,
		Indicators: strategy.DefaultIndicators(),
		cache:      map[string]Sample{},
		observers:  map[chan Sample]int{},
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Interval 采集节奏：周期的一半，钳制在 [15s, 60s]。
func (c *Collector) Interval() time.Duration {
	half := time.Duration(market.TimeframeSeconds(c.Timeframe)/2) * time.Second
	if half < minInterval {
		return minInterval
	}
	if half > maxInterval {
		return maxInterval
	}
	return half
}

// Run 阻塞式采集循环；Stop 或 ctx 取消后退出。启动后立即采一轮。
func (c *Collector) Run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.Interval())
	defer ticker.Stop()

	c.collectAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.collectAll(ctx)
		}
	}
}

func (c *Collector) collectAll(ctx context.Context) {
	for _, pair := range c.Pairs {
		fetchCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		candles, source, err := c.Fetch(fetchCtx, pair, c.Timeframe, c.Limit)
		cancel()
		if err != nil {
			logger.Warnf("实例 %d 采集 %s 失败: %v", c.InstanceID, pair, err)
			continue
		}
		cols, err := strategy.ComputeIndicators(candles, c.Indicators)
		if err != nil {
			logger.Warnf("实例 %d 计算 %s 指标失败: %v", c.InstanceID, pair, err)
			cols = map[string][]float64{}
		}
		sample := Sample{
			InstanceID: c.InstanceID,
			Pair:       pair,
			Timeframe:  c.Timeframe,
			Candles:    candles,
			Indicators: cols,
			Source:     source,
			FetchedAt:  time.Now(),
		}

		c.mu.Lock()
		c.cache[pair] = sample
		c.mu.Unlock()

		c.broadcast(sample)
	}
}

// broadcast 非阻塞投递；队列满的订阅者丢这一条，
// 连续丢满 maxObserverMisses 次的订阅者直接注销并关闭通道。
func (c *Collector) broadcast(s Sample) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for ch, misses := range c.observers {
		select {
		case ch <- s:
			c.observers[ch] = 0
		default:
			misses++
			if misses >= maxObserverMisses {
				logger.Warnf("实例 %d 订阅者长期不消费，注销", c.InstanceID)
				delete(c.observers, ch)
				close(ch)
				continue
			}
			c.observers[ch] = misses
		}
	}
}

// Subscribe 注册订阅者，返回带缓冲的通道与注销函数。
// 广播侧注销过的通道再 cancel 是安全的（注销以成员资格为准）。
func (c *Collector) Subscribe() (<-chan Sample, func()) {
	ch := make(chan Sample, 8)
	c.obsMu.Lock()
	c.observers[ch] = 0
	c.obsMu.Unlock()
	cancel := func() {
		c.obsMu.Lock()
		if _, ok := c.observers[ch]; ok {
			delete(c.observers, ch)
			close(ch)
		}
		c.obsMu.Unlock()
	}
	return ch, cancel
}

// Snapshot 最近一次采集的缓存副本；pair 为空返回全部。
func (c *Collector) Snapshot(pair string) []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if pair != "" {
		if s, ok := c.cache[pair]; ok {
			return []Sample{s}
		}
		return nil
	}
	out := make([]Sample, 0, len(c.cache))
	for _, s := range c.cache {
		out = append(out, s)
	}
	return out
}

// Stop 幂等停止并等待循环退出。
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}
