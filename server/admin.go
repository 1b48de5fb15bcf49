package server

import (
	"encoding/json"
	"net/http"
)

// HandleAdminConfig 提供房间管理开关的读取与更新
// GET /admin/config?room=office  返回当前配置
// POST /admin/config?room=office 以 JSON 载荷更新，如 {"locked":true}
func HandleAdminConfig(rm *RoomManager) http.HandlerFunc {
	type cfg struct {
		Locked *bool `json:"locked,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room")
		if roomID == "" {
			http.Error(w, "missing room query", http.StatusBadRequest)
			return
		}

		switch r.Method {
		case http.MethodGet:
			locked := rm.Locked(roomID)
			writeJSON(w, cfg{Locked: &locked})
		case http.MethodPost:
			var body cfg
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
			if body.Locked != nil {
				rm.SetLocked(roomID, *body.Locked)
			}
			writeJSON(w, map[string]any{"ok": true})
			Log.Infow("config updated", "room", roomID, "locked", rm.Locked(roomID))
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// HandleRooms 列出活跃房间
// GET /admin/rooms
func HandleRooms(rm *RoomManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"rooms": rm.Rooms()})
	}
}

// HandleMetrics 输出网关指标，或指定房间的运行指标
// GET /metrics            网关
// GET /metrics?room=office 房间
func HandleMetrics(rm *RoomManager, gw *Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.URL.Query().Get("room")
		if roomID == "" {
			writeJSON(w, map[string]any{
				"gateway": gw.Metrics().Snapshot(),
				"rooms":   len(rm.Rooms()),
			})
			return
		}
		room := rm.Room(roomID)
		if room == nil {
			http.Error(w, "room not active", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"room":    roomID,
			"metrics": room.Metrics().Snapshot(),
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
