// 本文件用于版本权威表与读优化投影 所有写入经由 apply 单一路径提交

// 文件职责：按 id 保存版本实体 并在每次提交后整体重建排序列表与分组视图
// 关键路径：apply 在同一把锁内完成删除 写入 重建投影 读方只能看到完整提交后的快照
// 边界与容错：两次提交之间重复读取返回同一个切片 调用方可用引用相等跳过重复处理

package policy

import (
	"sort"
	"sync"
)

// VersionStore 是全部版本实体的权威表
type VersionStore struct {
	mu       sync.RWMutex
	items    map[string]Version
	all      []Version
	groups   []DocumentGroup
	revision uint64
}

func NewVersionStore() *VersionStore {
	s := &VersionStore{items: make(map[string]Version)}
	s.rebuildLocked()
	return s
}

// Get 返回实体副本
func (s *VersionStore) Get(id string) (Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return Version{}, withMeta(newError(CodeNotFound, "version %s not found", id), "id", id)
	}
	return item.clone(), nil
}

// Put 直接写入单个实体 仅用于种子数据与测试 生命周期操作走 Engine
func (s *VersionStore) Put(item Version) {
	s.apply(Change{Puts: []Version{item}})
}

// Delete 物理移除实体 生命周期内的删除是软删除 不走这里
func (s *VersionStore) Delete(id string) {
	s.apply(Change{Removes: []string{id}})
}

// All 返回排序后的全部版本 在下一次提交前引用稳定 调用方不得修改
func (s *VersionStore) All() []Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.all
}

// Groups 返回按文档聚合的视图 在下一次提交前引用稳定 调用方不得修改
func (s *VersionStore) Groups() []DocumentGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups
}

// Revision 每次提交单调递增
func (s *VersionStore) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

func (s *VersionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// byDocument 返回某个文档的全部版本副本
func (s *VersionStore) byDocument(documentID string) []Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Version, 0, 4)
	for _, item := range s.items {
		if item.DocumentID == documentID {
			out = append(out, item.clone())
		}
	}
	return out
}

// findByReviewItem 通过外部评审单号反查当前实体
func (s *VersionStore) findByReviewItem(reviewItemID string) (Version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, item := range s.items {
		if item.ReviewItemID != "" && item.ReviewItemID == reviewItemID {
			return item.clone(), true
		}
	}
	return Version{}, false
}

// apply 是唯一写入口 版本号变更时旧 id 在 Removes 中 新 id 在 Puts 中
func (s *VersionStore) apply(cs Change) uint64 {
	if cs.empty() {
		return s.Revision()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range cs.Removes {
		delete(s.items, id)
	}
	for _, item := range cs.Puts {
		s.items[item.ID] = item.clone()
	}
	s.rebuildLocked()
	s.revision++
	return s.revision
}

// rebuildLocked 重新生成排序列表与分组视图 投影中的实体与权威表互不共享底层切片
func (s *VersionStore) rebuildLocked() {
	all := make([]Version, 0, len(s.items))
	for _, item := range s.items {
		all = append(all, item.clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].DocumentID != all[j].DocumentID {
			return all[i].DocumentID < all[j].DocumentID
		}
		if all[i].Version != all[j].Version {
			return all[i].Version > all[j].Version
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	s.all = all
	s.groups = buildGroups(all)
}

// buildGroups 依赖 all 已按 documentId 升序 version 降序排列
func buildGroups(all []Version) []DocumentGroup {
	groups := make([]DocumentGroup, 0)
	for start := 0; start < len(all); {
		end := start
		for end < len(all) && all[end].DocumentID == all[start].DocumentID {
			end++
		}
		versions := make([]Version, end-start)
		copy(versions, all[start:end])
		group := DocumentGroup{
			DocumentID: all[start].DocumentID,
			Versions:   versions,
			Archived:   make([]Version, 0),
		}
		for i := range group.Versions {
			v := &group.Versions[i]
			switch v.Status {
			case StatusDraft:
				group.Draft = v
			case StatusPendingReview:
				if group.Pending == nil {
					group.Pending = v
				}
			case StatusActive:
				group.Active = v
			case StatusRejected:
				if group.Rejected == nil {
					group.Rejected = v
				}
			case StatusDeleted:
				if group.Deleted == nil {
					group.Deleted = v
				}
			case StatusArchived:
				group.Archived = append(group.Archived, *v)
			}
		}
		group.Title = groupTitle(group)
		groups = append(groups, group)
		start = end
	}
	return groups
}

// groupTitle 优先使用生效版本标题 其次是最高版本
func groupTitle(group DocumentGroup) string {
	if group.Active != nil && group.Active.Title != "" {
		return group.Active.Title
	}
	for _, v := range group.Versions {
		if v.Title != "" {
			return v.Title
		}
	}
	return group.DocumentID
}
