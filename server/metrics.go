package server

import (
	"sync/atomic"
)

// Metrics 记录运行期的关键指标（用于监控与调试）。
// 房间与网关各持有一份，字段按需使用。
type Metrics struct {
	JoinsAccepted      int64 // 成功加入
	JoinsRefused       int64 // 房间锁定或已满
	MovesAccepted      int64
	MovesRejected      int64
	Leaves             int64
	DeliveryFailures   int64 // 出站队列满或连接已关闭
	AuthFailures       int64
	SpacesNotFound     int64
	ProtocolViolations int64
	Connections        int64 // 当前连接数
}

func (m *Metrics) IncJoinsAccepted()      { atomic.AddInt64(&m.JoinsAccepted, 1) }
func (m *Metrics) IncJoinsRefused()       { atomic.AddInt64(&m.JoinsRefused, 1) }
func (m *Metrics) IncMovesAccepted()      { atomic.AddInt64(&m.MovesAccepted, 1) }
func (m *Metrics) IncMovesRejected()      { atomic.AddInt64(&m.MovesRejected, 1) }
func (m *Metrics) IncLeaves()             { atomic.AddInt64(&m.Leaves, 1) }
func (m *Metrics) IncDeliveryFailures()   { atomic.AddInt64(&m.DeliveryFailures, 1) }
func (m *Metrics) IncAuthFailures()       { atomic.AddInt64(&m.AuthFailures, 1) }
func (m *Metrics) IncSpacesNotFound()     { atomic.AddInt64(&m.SpacesNotFound, 1) }
func (m *Metrics) IncProtocolViolations() { atomic.AddInt64(&m.ProtocolViolations, 1) }
func (m *Metrics) AddConnections(n int64) { atomic.AddInt64(&m.Connections, n) }

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"joins_accepted":      atomic.LoadInt64(&m.JoinsAccepted),
		"joins_refused":       atomic.LoadInt64(&m.JoinsRefused),
		"moves_accepted":      atomic.LoadInt64(&m.MovesAccepted),
		"moves_rejected":      atomic.LoadInt64(&m.MovesRejected),
		"leaves":              atomic.LoadInt64(&m.Leaves),
		"delivery_failures":   atomic.LoadInt64(&m.DeliveryFailures),
		"auth_failures":       atomic.LoadInt64(&m.AuthFailures),
		"spaces_not_found":    atomic.LoadInt64(&m.SpacesNotFound),
		"protocol_violations": atomic.LoadInt64(&m.ProtocolViolations),
		"connections":         atomic.LoadInt64(&m.Connections),
	}
}
