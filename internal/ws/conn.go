package ws

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"groupchat/internal/auth"
	"groupchat/internal/config"
	"groupchat/internal/models"
	"groupchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// 帧分发器对服务层的依赖收窄成接口，由 service 包的具体类型实现。
type messageStore interface {
	Send(groupID, authorID uint, content string, replyToID *uint, attachmentIDs []uint) (*service.MessageDTO, error)
	Edit(messageID, callerID uint, newContent string) (*service.MessageDTO, error)
	Delete(messageID, callerID uint) error
}

type roleStore interface {
	GetRole(userID, groupID uint) (string, error)
}

type presenceStore interface {
	UpdateStatus(userID uint, status string) error
	TouchPresence(userID uint, status string) error
}

// Client 是一条已认证的在线连接，绑定唯一用户身份，持有其加入的房间集合。
// rooms 由 Hub 的锁保护，Client 自身不加锁。
type Client struct {
	id       uint64
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   uint
	username string
	rooms    map[uint]bool

	msgs    messageStore
	members roleStore
	users   presenceStore
}

var clientSeq uint64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Inbound 是客户端上行帧。type 决定操作，其余字段按需填写。
type Inbound struct {
	Type          string `json:"type"`
	GroupID       uint   `json:"group_id"`
	SenderID      uint   `json:"sender_id"`
	Content       string `json:"content"`
	ReplyToID     *uint  `json:"reply_to_id"`
	AttachmentIDs []uint `json:"attachment_ids"`
	MessageID     uint   `json:"message_id"`
	IsTyping      bool   `json:"is_typing"`
	Status        string `json:"status"`
}

// Serve 处理 /chathub 握手：解析身份、升级连接并启动读写泵。
// token 允许放在 query 参数里，浏览器 WebSocket 无法自定义请求头。
func Serve(h *Hub, db *gorm.DB, cfg config.Config, msgs *service.MessageService, members *service.MembershipService, users *service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			authz := c.GetHeader("Authorization")
			if len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
				token = authz[7:]
			}
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := db.Where("id = ? AND is_deleted = FALSE", claims.UserID).First(&user).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			id:       atomic.AddUint64(&clientSeq, 1),
			hub:      h,
			conn:     conn,
			send:     make(chan []byte, 256),
			userID:   user.ID,
			username: user.Username,
			rooms:    make(map[uint]bool),
			msgs:     msgs,
			members:  members,
			users:    users,
		}
		_ = users.TouchPresence(user.ID, models.StatusOnline)
		h.OnConnect(client)

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.OnDisconnect(c)
		_ = c.users.TouchPresence(c.userID, models.StatusOffline)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		c.dispatch(in)
	}
}

// dispatch 处理单个上行帧。鉴权失败一律静默丢弃：调用方收不到显式
// 拒绝，只会缺失预期的广播。
func (c *Client) dispatch(in Inbound) {
	switch in.Type {
	case "join_group":
		// 入房前经成员关系校验，Hub 自身不做这一层检查。
		role, err := c.members.GetRole(c.userID, in.GroupID)
		if err != nil || role == "" {
			log.Debug().Uint("user_id", c.userID).Uint("group_id", in.GroupID).Msg("ws join denied")
			return
		}
		c.hub.JoinRoom(c, in.GroupID)
	case "leave_group":
		c.hub.LeaveRoom(c, in.GroupID)
	case "send_message":
		// 帧内声明的发送者必须与连接身份一致，不一致直接丢弃。
		if in.SenderID != 0 && in.SenderID != c.userID {
			log.Debug().Uint("user_id", c.userID).Uint("sender_id", in.SenderID).Msg("ws sender mismatch")
			return
		}
		if _, err := c.msgs.Send(in.GroupID, c.userID, in.Content, in.ReplyToID, in.AttachmentIDs); err != nil {
			log.Debug().Err(err).Uint("user_id", c.userID).Uint("group_id", in.GroupID).Msg("ws send dropped")
		}
	case "message_edited":
		// 走和 REST 相同的服务层入口：作者/角色校验与广播都在那里。
		if _, err := c.msgs.Edit(in.MessageID, c.userID, in.Content); err != nil {
			log.Debug().Err(err).Uint("user_id", c.userID).Uint("message_id", in.MessageID).Msg("ws edit dropped")
		}
	case "message_deleted":
		if err := c.msgs.Delete(in.MessageID, c.userID); err != nil {
			log.Debug().Err(err).Uint("user_id", c.userID).Uint("message_id", in.MessageID).Msg("ws delete dropped")
		}
	case "typing":
		if !c.hub.InRoom(c, in.GroupID) {
			return
		}
		c.hub.BroadcastExceptSelf(in.GroupID, service.EventUserTyping, map[string]interface{}{
			"user_id": c.userID, "username": c.username, "group_id": in.GroupID, "is_typing": in.IsTyping,
		}, c)
	case "update_status":
		if err := c.users.UpdateStatus(c.userID, in.Status); err != nil {
			log.Debug().Err(err).Uint("user_id", c.userID).Msg("ws status dropped")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
