package collector

import (
	"context"
	"sync"
)

// Registry 按实例管理采集器的生命周期。start 时 Ensure、stop 时 Drop，
// 进程退出时 Close 全部。

type Registry struct {
	mu      sync.Mutex
	byID    map[int64]*Collector
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewRegistry() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{byID: map[int64]*Collector{}, baseCtx: ctx, cancel: cancel}
}

// Ensure 为实例启动采集器；已存在则替换（配置可能已变）。
func (r *Registry) Ensure(instanceID int64, pairs []string, timeframe string, limit int, fetch FetchFunc) *Collector {
	r.mu.Lock()
	old := r.byID[instanceID]
	c := New(instanceID, pairs, timeframe, limit, fetch)
	r.byID[instanceID] = c
	r.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	go c.Run(r.baseCtx)
	return c
}

// Get 取实例的采集器，可能为 nil。
func (r *Registry) Get(instanceID int64) *Collector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[instanceID]
}

// Drop 停止并移除实例采集器；无则为空操作。
func (r *Registry) Drop(instanceID int64) {
	r.mu.Lock()
	c := r.byID[instanceID]
	delete(r.byID, instanceID)
	r.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// Close 停止全部采集器。
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Collector, 0, len(r.byID))
	for _, c := range r.byID {
		all = append(all, c)
	}
	r.byID = map[int64]*Collector{}
	r.mu.Unlock()

	r.cancel()
	for _, c := range all {
		c.Stop()
	}
}
