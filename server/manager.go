package server

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"gridspace/catalog"
)

// RoomManager 管理多个房间的生命周期（房间注册表）。
// mu 只保护 rooms/locked 映射，房间内部状态由各自的锁保护，不同房间互不阻塞。
type RoomManager struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	locked map[string]bool

	newRand func() *rand.Rand
}

// NewRoomManager 创建空的房间注册表
func NewRoomManager() *RoomManager {
	var n int64
	return &RoomManager{
		rooms:  make(map[string]*Room),
		locked: make(map[string]bool),
		newRand: func() *rand.Rand {
			n++ // 在 mu 下调用
			return rand.New(rand.NewSource(time.Now().UnixNano() + n))
		},
	}
}

// roomForJoin 获取或惰性创建房间；已退役的房间被替换
func (m *RoomManager) roomForJoin(space catalog.Space) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[space.ID] {
		return nil, ErrRoomLocked
	}
	r, ok := m.rooms[space.ID]
	if !ok || r.retired.Load() {
		r = NewRoom(space, m.newRand())
		m.rooms[space.ID] = r
		Log.Infow("room created", "room", space.ID, "width", space.Width, "height", space.Height, "static", len(r.static))
	}
	return r, nil
}

// Join 将参与者加入空间对应的房间，返回出生点与其他成员快照
func (m *RoomManager) Join(space catalog.Space, p *Participant) (JoinResult, error) {
	for {
		r, err := m.roomForJoin(space)
		if err != nil {
			return JoinResult{}, err
		}
		res, stale, err := r.join(p)
		if errors.Is(err, errRoomRetired) {
			// 与最后一人离开竞争，换新房间重试
			continue
		}
		m.reap(r, stale)
		if err != nil && r.retired.Load() {
			m.retire(r)
		}
		return res, err
	}
}

// Move 请求一步移动；被拒绝不是错误，见 MoveResult.Accepted
func (m *RoomManager) Move(spaceID string, id ParticipantID, target Cell) (MoveResult, error) {
	r := m.Room(spaceID)
	if r == nil {
		return MoveResult{}, ErrNotInRoom
	}
	res, stale, err := r.move(id, target)
	m.reap(r, stale)
	return res, err
}

// Leave 移除参与者，幂等；返回本次是否真的移除
func (m *RoomManager) Leave(spaceID string, id ParticipantID) bool {
	r := m.Room(spaceID)
	if r == nil {
		return false
	}
	return m.leaveFrom(r, id)
}

func (m *RoomManager) leaveFrom(r *Room, id ParticipantID) bool {
	left, empty, stale := r.leave(id)
	m.reap(r, stale)
	if left && empty {
		m.retire(r)
	}
	return left
}

// reap 对投递失败的参与者执行与断开连接相同的离开流程
func (m *RoomManager) reap(r *Room, stale []ParticipantID) {
	for _, id := range stale {
		m.leaveFrom(r, id)
	}
}

func (m *RoomManager) retire(r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[r.ID]; ok && cur == r {
		delete(m.rooms, r.ID)
		Log.Infow("room retired", "room", r.ID)
	}
}

// Room 返回当前活跃房间，不存在返回 nil
func (m *RoomManager) Room(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[id]
}

// Rooms 列出所有活跃房间概况（按 ID 排序）
func (m *RoomManager) Rooms() []RoomSummary {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	out := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		s := r.Summary()
		s.Locked = m.Locked(r.ID)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetLocked 管理员开关：锁定后房间拒绝新的加入，已在房间内的人不受影响
func (m *RoomManager) SetLocked(id string, locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if locked {
		m.locked[id] = true
	} else {
		delete(m.locked, id)
	}
}

func (m *RoomManager) Locked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked[id]
}
