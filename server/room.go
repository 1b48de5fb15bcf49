package server

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"gridspace/catalog"
)

var (
	// ErrRoomLocked 房间被管理员设置为拒绝加入
	ErrRoomLocked = errors.New("room refuses joins")
	// ErrRoomFull 房间内已没有空闲格子可作为出生点
	ErrRoomFull = errors.New("room has no free cell")
	// ErrNotInRoom 参与者不在该房间
	ErrNotInRoom = errors.New("participant not in room")
	// ErrAlreadyJoined 同一会话重复加入
	ErrAlreadyJoined = errors.New("participant already joined")

	errRoomRetired = errors.New("room retired")
)

// spawnAttempts 随机挑选出生点的次数，之后退化为顺序扫描
const spawnAttempts = 32

// JoinResult 加入结果：分配的出生点与加入前的其他成员
type JoinResult struct {
	Spawn  Cell
	Others []UserState
}

// MoveResult 移动结果：被拒绝时 Pos 为原位置
type MoveResult struct {
	Pos      Cell
	Accepted bool
	Reason   RejectReason
}

// Room 房间：空间静态布局 + 在线参与者。
// join/move/leave 在 mu 下串行执行，该顺序即房间内所有人观察到的全序。
type Room struct {
	ID string

	mu           sync.Mutex
	width        int
	height       int
	static       map[Cell]string // 格子 -> 元素 ID
	participants map[ParticipantID]*Participant
	occupied     map[Cell]ParticipantID // 参与者占用索引
	seq          uint64
	rng          *rand.Rand
	stale        []ParticipantID // 投递失败、待清理的参与者

	retired atomic.Bool // 最后一人离开后置位，之后不再接受加入

	metrics Metrics
}

// NewRoom 根据空间布局创建房间；布局在房间生命周期内只读
func NewRoom(space catalog.Space, rng *rand.Rand) *Room {
	r := &Room{
		ID:           space.ID,
		width:        space.Width,
		height:       space.Height,
		static:       make(map[Cell]string, len(space.Elements)),
		participants: make(map[ParticipantID]*Participant),
		occupied:     make(map[Cell]ParticipantID),
		rng:          rng,
	}
	for _, e := range space.Elements {
		c := Cell{X: e.X, Y: e.Y}
		if r.inBounds(c) {
			r.static[c] = e.ElementID
		}
	}
	return r
}

func (r *Room) inBounds(c Cell) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < r.width && c.Y < r.height
}

func (r *Room) isOccupied(c Cell) bool {
	if _, ok := r.static[c]; ok {
		return true
	}
	_, ok := r.occupied[c]
	return ok
}

// join 分配出生点并登记参与者；确认消息先于新人通知入队
func (r *Room) join(p *Participant) (JoinResult, []ParticipantID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.retired.Load() {
		return JoinResult{}, nil, errRoomRetired
	}
	if _, dup := r.participants[p.ID]; dup {
		return JoinResult{}, nil, ErrAlreadyJoined
	}
	spawn, ok := r.pickSpawn()
	if !ok {
		r.metrics.IncJoinsRefused()
		if len(r.participants) == 0 {
			// 空房间无法容纳任何人，直接退役，不留在注册表里
			r.retired.Store(true)
		}
		return JoinResult{}, nil, ErrRoomFull
	}

	others := r.usersLocked()
	r.seq++
	p.joinSeq = r.seq
	p.Pos = spawn
	r.participants[p.ID] = p
	r.occupied[spawn] = p.ID
	r.metrics.IncJoinsAccepted()

	r.sendTo(p, SpaceJoined{Users: others, Spawn: Spawn{X: spawn.X, Y: spawn.Y}})
	r.broadcastExcept(p.ID, UserJoined(p.state()))

	return JoinResult{Spawn: spawn, Others: others}, r.takeStale(), nil
}

// move 校验并执行一步移动；不会部分生效
func (r *Room) move(id ParticipantID, target Cell) (MoveResult, []ParticipantID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return MoveResult{}, nil, ErrNotInRoom
	}
	cur := p.Pos
	pos, reason := ValidateMove(cur, target, r.width, r.height, func(c Cell) bool {
		return c != cur && r.isOccupied(c)
	})
	if reason != RejectNone {
		r.metrics.IncMovesRejected()
		r.sendTo(p, MovementRejected{X: cur.X, Y: cur.Y})
		return MoveResult{Pos: cur, Reason: reason}, r.takeStale(), nil
	}

	delete(r.occupied, cur)
	p.Pos = pos
	r.occupied[pos] = p.ID
	r.metrics.IncMovesAccepted()
	r.broadcastExcept(p.ID, Movement(p.state()))
	return MoveResult{Pos: pos, Accepted: true}, r.takeStale(), nil
}

// leave 移除参与者；重复调用为空操作。房间变空时标记退役
func (r *Room) leave(id ParticipantID) (left bool, empty bool, stale []ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return false, len(r.participants) == 0, nil
	}
	delete(r.participants, id)
	if r.occupied[p.Pos] == id {
		delete(r.occupied, p.Pos)
	}
	r.metrics.IncLeaves()
	r.broadcastExcept(id, UserLeft{UserID: p.UserID})

	empty = len(r.participants) == 0
	if empty {
		r.retired.Store(true)
	}
	return true, empty, r.takeStale()
}

// pickSpawn 先随机尝试，失败后从随机起点顺序扫描整张网格
func (r *Room) pickSpawn() (Cell, bool) {
	total := r.width * r.height
	if total <= len(r.static)+len(r.participants) {
		return Cell{}, false
	}
	for i := 0; i < spawnAttempts; i++ {
		c := Cell{X: r.rng.Intn(r.width), Y: r.rng.Intn(r.height)}
		if !r.isOccupied(c) {
			return c, true
		}
	}
	start := r.rng.Intn(total)
	for i := 0; i < total; i++ {
		idx := (start + i) % total
		c := Cell{X: idx % r.width, Y: idx / r.width}
		if !r.isOccupied(c) {
			return c, true
		}
	}
	return Cell{}, false
}

// usersLocked 按加入顺序返回当前成员
func (r *Room) usersLocked() []UserState {
	ps := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].joinSeq < ps[j].joinSeq })
	users := make([]UserState, 0, len(ps))
	for _, p := range ps {
		users = append(users, p.state())
	}
	return users
}

func (r *Room) takeStale() []ParticipantID {
	s := r.stale
	r.stale = nil
	return s
}

// RoomSummary 房间概况，供管理接口输出
type RoomSummary struct {
	ID           string      `json:"id"`
	Width        int         `json:"width"`
	Height       int         `json:"height"`
	StaticCells  int         `json:"staticCells"`
	Participants int         `json:"participants"`
	Users        []UserState `json:"users"`
	Locked       bool        `json:"locked"`
}

// Summary 在锁内取一致快照
func (r *Room) Summary() RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RoomSummary{
		ID:           r.ID,
		Width:        r.width,
		Height:       r.height,
		StaticCells:  len(r.static),
		Participants: len(r.participants),
		Users:        r.usersLocked(),
	}
}

// Metrics 房间运行指标
func (r *Room) Metrics() *Metrics { return &r.metrics }
