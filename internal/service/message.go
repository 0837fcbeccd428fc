package service

import (
	"errors"
	"strings"
	"time"

	"groupchat/internal/metrics"
	"groupchat/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const maxMessageLen = 4000

// likeEscaper 把检索词里的 LIKE 通配符转成字面量，% 和 _ 按原样匹配。
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// MessageService 封装消息的读写与广播触发。
type MessageService struct {
	db      *gorm.DB
	hub     Broadcaster
	members *MembershipService
}

func NewMessageService(db *gorm.DB, hub Broadcaster, members *MembershipService) *MessageService {
	return &MessageService{db: db, hub: hub, members: members}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID            uint      `json:"id"`
	GroupID       uint      `json:"group_id"`
	UserID        uint      `json:"user_id"`
	Username      string    `json:"username"`
	Content       string    `json:"content"`
	ReplyToID     *uint     `json:"reply_to_id,omitempty"`
	AttachmentIDs []uint    `json:"attachment_ids,omitempty"`
	IsEdited      bool      `json:"is_edited"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SearchFilter 是列表/搜索共用的过滤条件。Page 从 1 起。
type SearchFilter struct {
	Text     string
	AuthorID uint
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// Send 持久化消息并向群组房间广播 ReceiveMessage。
// 回复目标必须是同一群组内未删除的消息。
func (s *MessageService) Send(groupID, authorID uint, content string, replyToID *uint, attachmentIDs []uint) (*MessageDTO, error) {
	if _, err := s.members.RequireMember(authorID, groupID); err != nil {
		return nil, err
	}
	content = strings.TrimSpace(content)
	if content == "" && len(attachmentIDs) == 0 {
		return nil, Validation("message content is empty")
	}
	if len(content) > maxMessageLen {
		return nil, Validation("message content too long")
	}
	if replyToID != nil {
		var parent models.Message
		err := s.db.Where("id = ? AND group_id = ? AND is_deleted = FALSE", *replyToID, groupID).First(&parent).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, NotFound("reply target not found")
			}
			return nil, err
		}
	}

	msg := models.Message{GroupID: groupID, UserID: authorID, Content: content, ReplyToID: replyToID}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}
		if len(attachmentIDs) > 0 {
			// 只认领本人上传、尚未挂到消息上的同群组附件。
			return tx.Model(&models.Attachment{}).
				Where("id IN ? AND group_id = ? AND uploader_id = ? AND message_id IS NULL AND is_deleted = FALSE",
					attachmentIDs, groupID, authorID).
				Update("message_id", msg.ID).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.MessagesTotal.Inc()

	dto, err := s.toDTO(&msg)
	if err != nil {
		log.Error().Err(err).Uint("message_id", msg.ID).Msg("message dto")
		return nil, err
	}
	s.hub.Broadcast(groupID, EventReceiveMessage, dto)
	return dto, nil
}

// Edit 替换消息内容。仅作者本人或群组 admin 可编辑；已删除的消息不可编辑。
func (s *MessageService) Edit(messageID, callerID uint, newContent string) (*MessageDTO, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, Validation("message content is empty")
	}
	if len(newContent) > maxMessageLen {
		return nil, Validation("message content too long")
	}
	msg, err := s.load(messageID)
	if err != nil {
		return nil, err
	}
	if msg.UserID != callerID {
		role, err := s.members.GetRole(callerID, msg.GroupID)
		if err != nil {
			return nil, err
		}
		if role != models.RoleAdmin {
			return nil, Forbidden("only the author or an admin can edit this message")
		}
	}
	updates := map[string]interface{}{"content": newContent, "is_edited": true}
	if err := s.db.Model(msg).Updates(updates).Error; err != nil {
		return nil, err
	}
	dto, err := s.toDTO(msg)
	if err != nil {
		return nil, err
	}
	s.hub.Broadcast(msg.GroupID, EventMessageEdited, dto)
	return dto, nil
}

// Delete 软删除消息。作者本人、admin 或 moderator 可删除；删除不可逆。
func (s *MessageService) Delete(messageID, callerID uint) error {
	msg, err := s.load(messageID)
	if err != nil {
		return err
	}
	if msg.UserID != callerID {
		role, err := s.members.GetRole(callerID, msg.GroupID)
		if err != nil {
			return err
		}
		if role != models.RoleAdmin && role != models.RoleModerator {
			return Forbidden("only the author, an admin or a moderator can delete this message")
		}
	}
	if err := s.db.Model(msg).Update("is_deleted", true).Error; err != nil {
		return err
	}
	s.hub.Broadcast(msg.GroupID, EventMessageDeleted, map[string]interface{}{
		"message_id": msg.ID, "group_id": msg.GroupID,
	})
	return nil
}

// ListByGroup 分页返回群组内未删除的消息，按时间倒序。
func (s *MessageService) ListByGroup(groupID, callerID uint, page, pageSize int) ([]MessageDTO, error) {
	if _, err := s.members.RequireMember(callerID, groupID); err != nil {
		return nil, err
	}
	return s.query(s.db.Where("group_id = ? AND is_deleted = FALSE", groupID), "id desc", page, pageSize)
}

// Search 在群组内按文本、作者、时间范围过滤，按时间倒序分页。
func (s *MessageService) Search(groupID, callerID uint, f SearchFilter) ([]MessageDTO, error) {
	if _, err := s.members.RequireMember(callerID, groupID); err != nil {
		return nil, err
	}
	q := s.db.Where("group_id = ? AND is_deleted = FALSE", groupID)
	if f.Text != "" {
		q = q.Where("content ILIKE ?", "%"+likeEscaper.Replace(f.Text)+"%")
	}
	if f.AuthorID != 0 {
		q = q.Where("user_id = ?", f.AuthorID)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", *f.To)
	}
	return s.query(q, "id desc", f.Page, f.PageSize)
}

// ListReplies 返回指定消息的直接回复，按时间正序。父消息本身可以是
// 已删除的：回复树保留，父消息只是不再出现在列表里。
func (s *MessageService) ListReplies(messageID, callerID uint, page, pageSize int) ([]MessageDTO, error) {
	var parent models.Message
	if err := s.db.First(&parent, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("message not found")
		}
		return nil, err
	}
	if _, err := s.members.RequireMember(callerID, parent.GroupID); err != nil {
		return nil, err
	}
	return s.query(s.db.Where("reply_to_id = ? AND is_deleted = FALSE", messageID), "id asc", page, pageSize)
}

// load 取未删除的消息，缺失与已删除同样视作 NotFound。
func (s *MessageService) load(messageID uint) (*models.Message, error) {
	var msg models.Message
	err := s.db.Where("id = ? AND is_deleted = FALSE", messageID).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("message not found")
		}
		return nil, err
	}
	return &msg, nil
}

func (s *MessageService) query(q *gorm.DB, order string, page, pageSize int) ([]MessageDTO, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}
	var msgs []models.Message
	if err := q.Order(order).Offset((page - 1) * pageSize).Limit(pageSize).Find(&msgs).Error; err != nil {
		return nil, err
	}
	return s.toDTOs(msgs)
}

func (s *MessageService) toDTO(m *models.Message) (*MessageDTO, error) {
	out, err := s.toDTOs([]models.Message{*m})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

func (s *MessageService) toDTOs(msgs []models.Message) ([]MessageDTO, error) {
	usernames, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	attachments, err := s.resolveAttachments(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageDTO{
			ID:            m.ID,
			GroupID:       m.GroupID,
			UserID:        m.UserID,
			Username:      usernames[m.UserID],
			Content:       m.Content,
			ReplyToID:     m.ReplyToID,
			AttachmentIDs: attachments[m.ID],
			IsEdited:      m.IsEdited,
			CreatedAt:     m.CreatedAt,
			UpdatedAt:     m.UpdatedAt,
		})
	}
	return out, nil
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *MessageService) resolveUsernames(msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		userIDs = append(userIDs, m.UserID)
	}
	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}

// resolveAttachments 批量获取消息挂载的附件 ID。
func (s *MessageService) resolveAttachments(msgs []models.Message) (map[uint][]uint, error) {
	ids := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	out := make(map[uint][]uint)
	if len(ids) == 0 {
		return out, nil
	}
	var atts []models.Attachment
	if err := s.db.Select("id", "message_id").Where("message_id IN ? AND is_deleted = FALSE", ids).Find(&atts).Error; err != nil {
		return nil, err
	}
	for _, a := range atts {
		if a.MessageID != nil {
			out[*a.MessageID] = append(out[*a.MessageID], a.ID)
		}
	}
	return out, nil
}
