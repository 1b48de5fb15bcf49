package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"gridspace/catalog"
)

// 自定义关闭码（4000-4999 为应用保留区间）
const (
	CloseUnauthorized  = 4401
	CloseRoomLocked    = 4403
	CloseSpaceNotFound = 4404
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateJoined
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateJoined:
		return "joined"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session 单个连接的状态机：Unauthenticated → Joined → Closed。
// 只在读协程中访问，不需要加锁。
type session struct {
	id    ParticipantID
	conn  *ClientConn
	gw    *Gateway
	state sessionState

	spaceID string
	userID  string
}

// run 读循环：第一帧必须是 join，之后只接受 move
func (s *session) run(ctx context.Context) {
	defer s.close()

	ws := s.conn.ws
	ws.SetReadLimit(s.gw.cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.gw.cfg.joinTimeout()))
	ws.SetPongHandler(func(string) error {
		if s.state != stateJoined {
			return nil
		}
		return ws.SetReadDeadline(time.Now().Add(s.gw.cfg.pongWait()))
	})

	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			Log.Debugw("read ended", "session", s.id, "state", s.state, "err", err)
			return
		}
		msg, err := DecodeClientMessage(payload)
		if err == nil {
			err = s.handle(ctx, msg)
		}
		if err != nil {
			s.fail(err)
			return
		}
		if s.state == stateJoined {
			_ = ws.SetReadDeadline(time.Now().Add(s.gw.cfg.pongWait()))
		}
	}
}

func (s *session) handle(ctx context.Context, msg ClientMessage) error {
	switch m := msg.(type) {
	case JoinRequest:
		if s.state != stateUnauthenticated {
			return fmt.Errorf("%w: join while %s", ErrProtocol, s.state)
		}
		return s.join(ctx, m)
	case MoveRequest:
		if s.state != stateJoined {
			return fmt.Errorf("%w: move while %s", ErrProtocol, s.state)
		}
		return s.move(m)
	default:
		return fmt.Errorf("%w: unexpected message %T", ErrProtocol, msg)
	}
}

// join 校验凭证 → 查询空间 → 交给注册表登记。
// 确认与广播由注册表在房间锁内完成。
func (s *session) join(ctx context.Context, m JoinRequest) error {
	ctx, cancel := context.WithTimeout(ctx, s.gw.cfg.joinTimeout())
	defer cancel()

	userID, err := s.gw.identity.VerifyToken(ctx, m.Token)
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}
	space, err := s.gw.spaces.LookupSpace(ctx, m.SpaceID)
	if err != nil {
		return fmt.Errorf("lookup space %s: %w", m.SpaceID, err)
	}

	p := NewParticipant(s.id, userID, s.conn)
	res, err := s.gw.rooms.Join(space, p)
	if err != nil {
		return fmt.Errorf("join room %s: %w", space.ID, err)
	}
	s.state = stateJoined
	s.spaceID = space.ID
	s.userID = userID
	Log.Infow("joined", "session", s.id, "user", userID, "room", space.ID,
		"spawn_x", res.Spawn.X, "spawn_y", res.Spawn.Y, "others", len(res.Others))
	return nil
}

func (s *session) move(m MoveRequest) error {
	res, err := s.gw.rooms.Move(s.spaceID, s.id, m.Target)
	if err != nil {
		return fmt.Errorf("move: %w", err)
	}
	if !res.Accepted {
		Log.Debugw("move rejected", "session", s.id, "user", s.userID, "room", s.spaceID,
			"x", m.Target.X, "y", m.Target.Y, "reason", res.Reason.String())
	}
	return nil
}

// fail 按错误分类选择关闭码并关闭连接；此时房间尚未因该错误发生任何变更
func (s *session) fail(err error) {
	code, reason := closeCodeFor(err)
	switch code {
	case websocket.ClosePolicyViolation:
		s.gw.metrics.IncProtocolViolations()
	case CloseUnauthorized:
		s.gw.metrics.IncAuthFailures()
	case CloseSpaceNotFound:
		s.gw.metrics.IncSpacesNotFound()
	case CloseRoomLocked, websocket.CloseTryAgainLater:
		s.gw.metrics.IncJoinsRefused()
	}
	Log.Infow("closing connection", "session", s.id, "state", s.state, "code", code, "err", err)
	s.conn.CloseWith(code, reason)
}

// close 会话结束：已加入则先离开房间，再释放连接
func (s *session) close() {
	if s.state == stateJoined {
		if s.gw.rooms.Leave(s.spaceID, s.id) {
			Log.Infow("left", "session", s.id, "user", s.userID, "room", s.spaceID)
		}
	}
	s.state = stateClosed
	s.conn.Close()
}

func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrProtocol):
		return websocket.ClosePolicyViolation, "protocol violation"
	case errors.Is(err, catalog.ErrUnauthorized):
		return CloseUnauthorized, "unauthorized"
	case errors.Is(err, catalog.ErrSpaceNotFound):
		return CloseSpaceNotFound, "space not found"
	case errors.Is(err, ErrRoomLocked):
		return CloseRoomLocked, "room closed to joins"
	case errors.Is(err, ErrRoomFull):
		return websocket.CloseTryAgainLater, "room full"
	case errors.Is(err, ErrNotInRoom):
		return websocket.CloseGoingAway, "removed from room"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}
