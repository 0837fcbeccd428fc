package ws

import (
	"encoding/json"
	"sync"

	"groupchat/internal/metrics"
	"groupchat/internal/service"
)

// Event 是推送帧的统一信封。
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub 是进程内的连接注册表与群组扇出引擎。房间表、连接表与在线表
// 都是共享可变状态，由同一把锁保护；Hub 本身不读数据库，房间成员
// 完全由传输层声明。生命周期与 server 实例一致，不使用包级全局。
type Hub struct {
	mu      sync.RWMutex
	rooms   map[uint]map[*Client]bool
	clients map[*Client]bool
	// 在线表：userID -> 连接 ID，后写者覆盖，不做引用计数。
	// 同一用户多连接时，任一连接断开都会触发全局下线事件。
	online map[uint]uint64
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[uint]map[*Client]bool),
		clients: make(map[*Client]bool),
		online:  make(map[uint]uint64),
	}
}

// OnConnect 注册新连接并全局广播上线事件。
func (h *Hub) OnConnect(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.online[c.userID] = c.id
	h.mu.Unlock()
	metrics.WsConnections.Inc()
	h.BroadcastGlobal(service.EventUserOnline, map[string]interface{}{
		"user_id": c.userID, "username": c.username,
	})
}

// OnDisconnect 注销连接：退出其加入的全部房间并全局广播下线事件。
// 同一用户的其余连接仍在时也会广播下线（在线表不做引用计数）。
func (h *Hub) OnDisconnect(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	delete(h.online, c.userID)
	left := make([]uint, 0, len(c.rooms))
	for groupID := range c.rooms {
		delete(h.rooms[groupID], c)
		if len(h.rooms[groupID]) == 0 {
			delete(h.rooms, groupID)
		}
		left = append(left, groupID)
	}
	c.rooms = map[uint]bool{}
	close(c.send)
	h.mu.Unlock()
	metrics.WsConnections.Dec()
	for _, groupID := range left {
		h.Broadcast(groupID, service.EventUserLeft, map[string]interface{}{
			"user_id": c.userID, "username": c.username, "group_id": groupID,
		})
	}
	h.BroadcastGlobal(service.EventUserOffline, map[string]interface{}{
		"user_id": c.userID, "username": c.username,
	})
}

// JoinRoom 把连接加入群组房间并向房间内全部连接（含新加入者）广播。
// Hub 不校验成员资格，授权由调用方在加入前完成。
func (h *Hub) JoinRoom(c *Client, groupID uint) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	room := h.rooms[groupID]
	if room == nil {
		room = make(map[*Client]bool)
		h.rooms[groupID] = room
	}
	room[c] = true
	c.rooms[groupID] = true
	h.mu.Unlock()
	h.Broadcast(groupID, service.EventUserJoined, map[string]interface{}{
		"user_id": c.userID, "username": c.username, "group_id": groupID,
	})
}

// LeaveRoom 把连接移出房间并向剩余连接广播。
func (h *Hub) LeaveRoom(c *Client, groupID uint) {
	h.mu.Lock()
	room := h.rooms[groupID]
	if room == nil || !room[c] {
		h.mu.Unlock()
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, groupID)
	}
	delete(c.rooms, groupID)
	h.mu.Unlock()
	h.Broadcast(groupID, service.EventUserLeft, map[string]interface{}{
		"user_id": c.userID, "username": c.username, "group_id": groupID,
	})
}

// InRoom 报告连接当前是否在指定房间内。
func (h *Hub) InRoom(c *Client, groupID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.rooms[groupID]
}

// Broadcast 向房间内全部连接投递事件，空房间是 no-op。
func (h *Hub) Broadcast(groupID uint, event string, data interface{}) {
	h.deliver(groupID, event, data, nil)
}

// BroadcastExceptSelf 同 Broadcast，但跳过发起方连接（打字提示用）。
func (h *Hub) BroadcastExceptSelf(groupID uint, event string, data interface{}, exclude *Client) {
	h.deliver(groupID, event, data, exclude)
}

// BroadcastGlobal 向进程内全部连接投递事件，与房间无关。
func (h *Hub) BroadcastGlobal(event string, data interface{}) {
	b, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.clients {
		h.send(c, b)
	}
	h.mu.Unlock()
	metrics.WsBroadcastsTotal.Inc()
}

// Online 返回房间当前连接数。
func (h *Hub) Online(groupID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[groupID])
}

// IsOnline 报告用户是否至少有一条登记在案的连接。
func (h *Hub) IsOnline(userID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.online[userID]
	return ok
}

func (h *Hub) deliver(groupID uint, event string, data interface{}, exclude *Client) {
	b, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.rooms[groupID] {
		if c == exclude {
			continue
		}
		h.send(c, b)
	}
	h.mu.Unlock()
	metrics.WsBroadcastsTotal.Inc()
}

// send 以非阻塞方式投递；缓冲打满视作死连接，当场摘除，不重试。
// 调用方必须持有 h.mu 写锁。
func (h *Hub) send(c *Client, b []byte) {
	select {
	case c.send <- b:
	default:
		delete(h.clients, c)
		delete(h.online, c.userID)
		for groupID := range c.rooms {
			delete(h.rooms[groupID], c)
			if len(h.rooms[groupID]) == 0 {
				delete(h.rooms, groupID)
			}
		}
		c.rooms = map[uint]bool{}
		close(c.send)
		metrics.WsConnections.Dec()
	}
}
