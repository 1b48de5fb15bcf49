package server

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol 帧格式错误或在不允许的状态下发送的消息
var ErrProtocol = errors.New("protocol violation")

// 消息类型
const (
	TypeJoin             = "join"
	TypeMove             = "move"
	TypeSpaceJoined      = "space-joined"
	TypeUserJoin         = "user-join"
	TypeMovement         = "movement"
	TypeMovementRejected = "movement-rejected"
	TypeUserLeft         = "user-left"
)

// envelope 所有帧的外层：{"type": ..., "payload": {...}}
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientMessage 入站消息的封闭变体集合：JoinRequest | MoveRequest
type ClientMessage interface {
	clientMessage()
}

// JoinRequest 示例：{"type":"join","payload":{"spaceId":"s1","token":"..."}}
type JoinRequest struct {
	SpaceID string
	Token   string
}

// MoveRequest 示例：{"type":"move","payload":{"x":3,"y":4}}
type MoveRequest struct {
	Target Cell
}

func (JoinRequest) clientMessage() {}
func (MoveRequest) clientMessage() {}

// DecodeClientMessage 在连接边界一次性解析入站帧
func DecodeClientMessage(b []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%w: missing payload", ErrProtocol)
	}
	switch env.Type {
	case TypeJoin:
		var p struct {
			SpaceID string `json:"spaceId"`
			Token   string `json:"token"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: join: %v", ErrProtocol, err)
		}
		if p.SpaceID == "" {
			return nil, fmt.Errorf("%w: join: missing spaceId", ErrProtocol)
		}
		return JoinRequest{SpaceID: p.SpaceID, Token: p.Token}, nil
	case TypeMove:
		// 坐标必须是整数；缺失或小数视为格式错误
		var p struct {
			X *int `json:"x"`
			Y *int `json:"y"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: move: %v", ErrProtocol, err)
		}
		if p.X == nil || p.Y == nil {
			return nil, fmt.Errorf("%w: move: missing coordinate", ErrProtocol)
		}
		return MoveRequest{Target: Cell{X: *p.X, Y: *p.Y}}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrProtocol, env.Type)
	}
}

// ServerMessage 出站消息
type ServerMessage interface {
	MessageType() string
}

type Spawn struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// SpaceJoined 仅发给加入者：房间内其他人 + 自己的出生点
type SpaceJoined struct {
	Users []UserState `json:"users"`
	Spawn Spawn       `json:"spawn"`
}

// UserJoined 通知已在房间内的成员有新人加入
type UserJoined UserState

// Movement 通知其他成员某人的移动已被接受
type Movement UserState

// MovementRejected 仅发给移动者，携带其未改变的位置
type MovementRejected struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// UserLeft 通知剩余成员某人离开
type UserLeft struct {
	UserID string `json:"userId"`
}

func (SpaceJoined) MessageType() string      { return TypeSpaceJoined }
func (UserJoined) MessageType() string       { return TypeUserJoin }
func (Movement) MessageType() string         { return TypeMovement }
func (MovementRejected) MessageType() string { return TypeMovementRejected }
func (UserLeft) MessageType() string         { return TypeUserLeft }

// EncodeServerMessage 编码为带类型标签的文本帧
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: m.MessageType(), Payload: payload})
}
