package service

// 推送给在线客户端的事件名，REST 与 WebSocket 两条路径共用同一组名字。
const (
	EventReceiveMessage    = "ReceiveMessage"
	EventMessageEdited     = "MessageEdited"
	EventMessageDeleted    = "MessageDeleted"
	EventUserJoined        = "UserJoined"
	EventUserLeft          = "UserLeft"
	EventUserTyping        = "UserTyping"
	EventUserOnline        = "UserOnline"
	EventUserOffline       = "UserOffline"
	EventUserStatusChanged = "UserStatusChanged"
)

// Broadcaster 是服务层向在线连接推送事件的出口，由 ws.Hub 实现。
// 推送是尽力而为：没有确认、没有重试，掉线连接的事件直接丢弃。
type Broadcaster interface {
	// Broadcast 把事件推给房间内的全部连接，空房间是 no-op。
	Broadcast(groupID uint, event string, data interface{})
	// BroadcastGlobal 把事件推给进程内全部连接（在线状态类事件）。
	BroadcastGlobal(event string, data interface{})
	// Online 返回房间当前的连接数，供列表接口展示。
	Online(groupID uint) int
}
