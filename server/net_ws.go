package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gridspace/catalog"
)

// SpaceDirectory 空间目录（外部协作者）：按 ID 返回静态布局
type SpaceDirectory interface {
	LookupSpace(ctx context.Context, id string) (catalog.Space, error)
}

// IdentityVerifier 身份校验（外部协作者）：凭证 -> 用户 ID
type IdentityVerifier interface {
	VerifyToken(ctx context.Context, token string) (string, error)
}

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	writeWait  time.Duration
	pingPeriod time.Duration
}

func NewClientConn(ws *websocket.Conn, cfg WSConfig) *ClientConn {
	return &ClientConn{
		ws:         ws,
		send:       make(chan []byte, cfg.SendQueue),
		done:       make(chan struct{}),
		writeWait:  cfg.writeWait(),
		pingPeriod: cfg.pingPeriod(),
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞）；队列满或连接已关闭返回 false
func (c *ClientConn) Enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close 关闭底层连接并结束写协程，可重复调用
func (c *ClientConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// CloseWith 先发送关闭帧（带关闭码与原因），再关闭连接
func (c *ClientConn) CloseWith(code int, reason string) {
	select {
	case <-c.done:
		return
	default:
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
	c.Close()
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定时发送 ping
func (c *ClientConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Gateway 长连接入口：升级连接、维护会话状态机、把请求交给房间注册表
type Gateway struct {
	rooms    *RoomManager
	spaces   SpaceDirectory
	identity IdentityVerifier
	cfg      WSConfig
	upgrader websocket.Upgrader

	metrics Metrics
}

func NewGateway(rooms *RoomManager, spaces SpaceDirectory, identity IdentityVerifier, cfg WSConfig) *Gateway {
	return &Gateway{
		rooms:    rooms,
		spaces:   spaces,
		identity: identity,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
	}
}

// Metrics 网关级指标（连接数、鉴权失败、协议错误等）
func (g *Gateway) Metrics() *Metrics { return &g.metrics }

// ServeHTTP WebSocket 接入；连接建立后处于未认证状态，等待 join
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnw("upgrade error", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := NewClientConn(ws, g.cfg)
	s := &session{
		id:   ParticipantID(uuid.NewString()),
		conn: client,
		gw:   g,
	}
	g.metrics.AddConnections(1)
	defer g.metrics.AddConnections(-1)
	Log.Infow("connection accepted", "session", s.id, "remote", r.RemoteAddr)

	go client.writePump()
	s.run(r.Context())
	Log.Infow("connection closed", "session", s.id)
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		// 未配置白名单：允许所有来源
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}
