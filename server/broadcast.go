package server

// 以下方法都在 Room.mu 持有期间调用，入队顺序即房间事件顺序。

// sendTo 只发给指定参与者
func (r *Room) sendTo(p *Participant, m ServerMessage) {
	b, err := EncodeServerMessage(m)
	if err != nil {
		Log.Errorw("encode message failed", "room", r.ID, "type", m.MessageType(), "err", err)
		return
	}
	r.deliver(p, b)
}

// broadcastExcept 发给房间内除 exclude 以外的所有人（只编码一次）
func (r *Room) broadcastExcept(exclude ParticipantID, m ServerMessage) {
	if len(r.participants) == 0 {
		return
	}
	b, err := EncodeServerMessage(m)
	if err != nil {
		Log.Errorw("encode message failed", "room", r.ID, "type", m.MessageType(), "err", err)
		return
	}
	for id, p := range r.participants {
		if id == exclude {
			continue
		}
		r.deliver(p, b)
	}
}

// deliver 尽力投递；失败不影响其他接收者，失败者关闭连接并记入待清理
func (r *Room) deliver(p *Participant, b []byte) {
	if p.Conn == nil {
		return
	}
	if p.Conn.Enqueue(b) {
		return
	}
	r.metrics.IncDeliveryFailures()
	Log.Warnw("delivery failed, dropping participant", "room", r.ID, "participant", p.ID, "user", p.UserID)
	p.Conn.Close()
	for _, id := range r.stale {
		if id == p.ID {
			return
		}
	}
	r.stale = append(r.stale, p.ID)
}
