package server

// ParticipantID 会话级唯一标识（每个连接一个），与 UserID 区分
type ParticipantID string

// Cell 网格上的一个格子
type Cell struct {
	X int
	Y int
}

// Outbox 参与者的出站通道：非阻塞入队，失败返回 false
type Outbox interface {
	Enqueue(b []byte) bool
	Close()
}

// UserState 为广播给客户端的轻量状态
type UserState struct {
	UserID string `json:"userId"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
}

// Participant 房间内的参与者（服务端权威状态，仅由 Room 在锁内修改）
type Participant struct {
	ID     ParticipantID
	UserID string
	Pos    Cell

	Conn Outbox // 网络连接的发送端

	joinSeq uint64 // 进入房间的顺序，用于稳定的成员列表
}

// NewParticipant 创建尚未加入房间的参与者句柄
func NewParticipant(id ParticipantID, userID string, conn Outbox) *Participant {
	return &Participant{ID: id, UserID: userID, Conn: conn}
}

func (p *Participant) state() UserState {
	return UserState{UserID: p.UserID, X: p.Pos.X, Y: p.Pos.Y}
}
