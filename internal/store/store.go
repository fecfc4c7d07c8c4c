package store

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"defi-risk-go/position"
)

// DefaultOwner 未填写钱包地址的仓位归入此组
const DefaultOwner = "default"

// EventSink 接收仓位快照变化事件
type EventSink func(string, map[string]interface{})

// PositionStore 维护按持有人分组的仓位快照。
// 快照整体替换，读方始终看到某一次完整加载的结果。
type PositionStore struct {
	mu       sync.RWMutex
	byOwner  map[string][]position.Position
	total    int
	loadedAt time.Time

	// 文件未变化时跳过重新解析
	path    string
	modTime time.Time
	size    int64

	sink EventSink
}

// New 创建空的仓位存储
func New(sink EventSink) *PositionStore {
	return &PositionStore{
		byOwner: make(map[string][]position.Position),
		sink:    sink,
	}
}

func ownerOf(p position.Position) string {
	owner := strings.ToLower(strings.TrimSpace(p.UserAddress))
	if owner == "" {
		return DefaultOwner
	}
	return owner
}

// Replace 用给定仓位替换整个快照
func (s *PositionStore) Replace(positions []position.Position) {
	grouped := make(map[string][]position.Position)
	for _, p := range positions {
		owner := ownerOf(p)
		grouped[owner] = append(grouped[owner], p)
	}

	s.mu.Lock()
	s.byOwner = grouped
	s.total = len(positions)
	s.loadedAt = time.Now().UTC()
	s.mu.Unlock()

	s.emit("positions_replaced", map[string]interface{}{
		"owners":    len(grouped),
		"positions": len(positions),
	})
}

// Reload 从 JSON 文件重新加载快照。返回是否发生了替换；
// 文件大小与修改时间均未变化时不做任何事。解析失败时保留旧快照。
func (s *PositionStore) Reload(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat positions file: %w", err)
	}

	s.mu.RLock()
	unchanged := s.path == path && s.modTime.Equal(info.ModTime()) && s.size == info.Size()
	s.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	positions, err := position.LoadFile(path)
	if err != nil {
		s.emit("positions_reload_failed", map[string]interface{}{"path": path, "error": err.Error()})
		return false, err
	}
	s.Replace(positions)

	s.mu.Lock()
	s.path = path
	s.modTime = info.ModTime()
	s.size = info.Size()
	s.mu.Unlock()
	return true, nil
}

// Owners 返回所有持有人（排序）
func (s *PositionStore) Owners() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owners := make([]string, 0, len(s.byOwner))
	for owner := range s.byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// Positions 返回某持有人的仓位副本
func (s *PositionStore) Positions(owner string) []position.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.byOwner[strings.ToLower(owner)]
	return append([]position.Position(nil), src...)
}

// Len 快照中的仓位总数
func (s *PositionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// LoadedAt 最近一次替换快照的时间
func (s *PositionStore) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

func (s *PositionStore) emit(event string, fields map[string]interface{}) {
	if s.sink != nil {
		s.sink(event, fields)
	}
}
