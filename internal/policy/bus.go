// 本文件用于变更通知总线 订阅者只收到信号 需要自行拉取快照

package policy

import (
	"sort"
	"sync"

	"policy-store/internal/logger"
)

// Listener 收到通知后应重新读取 ListVersions 或 ListGroups
type Listener func()

// ChangeBus 是最小的观察者注册表
type ChangeBus struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]Listener
}

func NewChangeBus() *ChangeBus {
	return &ChangeBus{listeners: make(map[uint64]Listener)}
}

// Subscribe 注册监听 返回的取消函数可重复调用
func (b *ChangeBus) Subscribe(listener Listener) func() {
	if listener == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[id] = listener
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Len 返回当前监听数量
func (b *ChangeBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// publish 按注册顺序同步调用监听 调用方不得持有存储锁
func (b *ChangeBus) publish() {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]Listener, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, b.listeners[id])
	}
	b.mu.Unlock()

	for _, listener := range snapshot {
		notify(listener)
	}
}

func notify(listener Listener) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("变更监听执行异常: %v", r)
		}
	}()
	listener()
}
