package service

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"groupchat/internal/models"

	"gorm.io/gorm"
)

// GroupService 封装群组生命周期：创建、成员变动、角色与邀请码。
type GroupService struct {
	db      *gorm.DB
	hub     Broadcaster
	members *MembershipService
}

func NewGroupService(db *gorm.DB, hub Broadcaster, members *MembershipService) *GroupService {
	return &GroupService{db: db, hub: hub, members: members}
}

// GroupDTO 是对外输出的群组数据。邀请码只对 admin/moderator 可见。
type GroupDTO struct {
	ID          uint   `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsPrivate   bool   `json:"is_private"`
	CreatorID   uint   `json:"creator_id"`
	InviteCode  string `json:"invite_code,omitempty"`
	Online      int    `json:"online"`
}

// MemberDTO 是成员列表条目。
type MemberDTO struct {
	UserID     uint      `json:"user_id"`
	Username   string    `json:"username"`
	Role       string    `json:"role"`
	IsApproved bool      `json:"is_approved"`
	JoinedAt   time.Time `json:"joined_at"`
}

// Create 创建群组，创建者在同一事务内获得 admin 成员身份。
// 私有群组随群组一起生成邀请码。
func (s *GroupService) Create(name, description string, isPrivate bool, creatorID uint) (*GroupDTO, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 128 {
		return nil, Validation("invalid group name")
	}
	group := models.Group{Name: name, Description: description, IsPrivate: isPrivate, CreatorID: creatorID}
	if isPrivate {
		code, err := newInviteCode()
		if err != nil {
			return nil, err
		}
		group.InviteCode = code
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		m := models.Membership{
			GroupID:    group.ID,
			UserID:     creatorID,
			Role:       models.RoleAdmin,
			IsApproved: true,
			JoinedAt:   time.Now(),
		}
		return tx.Create(&m).Error
	})
	if err != nil {
		return nil, err
	}
	return s.toDTO(&group, models.RoleAdmin), nil
}

// Get 返回群组详情。私有群组仅成员可见。
func (s *GroupService) Get(groupID, callerID uint) (*GroupDTO, error) {
	group, err := s.load(groupID)
	if err != nil {
		return nil, err
	}
	role, err := s.members.GetRole(callerID, groupID)
	if err != nil {
		return nil, err
	}
	if group.IsPrivate && role == "" {
		return nil, NotFound("group not found")
	}
	return s.toDTO(group, role), nil
}

// Update 修改名称/描述，要求 admin 或 moderator。
func (s *GroupService) Update(groupID, callerID uint, name, description *string) (*GroupDTO, error) {
	group, err := s.load(groupID)
	if err != nil {
		return nil, err
	}
	role, err := s.members.RequireRole(callerID, groupID, models.RoleAdmin, models.RoleModerator)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if name != nil {
		n := strings.TrimSpace(*name)
		if n == "" || len(n) > 128 {
			return nil, Validation("invalid group name")
		}
		updates["name"] = n
	}
	if description != nil {
		if len(*description) > 512 {
			return nil, Validation("description too long")
		}
		updates["description"] = *description
	}
	if len(updates) > 0 {
		if err := s.db.Model(group).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return s.toDTO(group, role), nil
}

// Delete 软删除群组，仅 admin。
func (s *GroupService) Delete(groupID, callerID uint) error {
	group, err := s.load(groupID)
	if err != nil {
		return err
	}
	if _, err := s.members.RequireRole(callerID, groupID, models.RoleAdmin); err != nil {
		return err
	}
	return s.db.Model(group).Update("is_deleted", true).Error
}

// Join 按群组 ID 或邀请码加入。公开群组即时批准；私有群组当前同样
// 即时批准（历史行为，见 DESIGN.md）。曾退出的成员复用原行重新激活。
func (s *GroupService) Join(groupID uint, inviteCode string, userID uint) (*MemberDTO, error) {
	var group *models.Group
	var err error
	if inviteCode != "" {
		group, err = s.loadByInviteCode(inviteCode)
	} else {
		group, err = s.load(groupID)
	}
	if err != nil {
		return nil, err
	}

	var existing models.Membership
	err = s.db.Where("group_id = ? AND user_id = ?", group.ID, userID).First(&existing).Error
	switch {
	case err == nil && !existing.IsDeleted:
		if existing.IsBanned {
			return nil, Forbidden("banned from this group")
		}
		if existing.IsApproved {
			return nil, Conflict("already a member of this group")
		}
		return nil, Conflict("membership is pending approval")
	case err == nil:
		// 软删除过的行被唯一索引占着，重新激活而不是新建。
		updates := map[string]interface{}{
			"is_deleted":  false,
			"is_approved": true,
			"role":        models.RoleMember,
			"joined_at":   time.Now(),
			"left_at":     nil,
		}
		if existing.IsBanned {
			return nil, Forbidden("banned from this group")
		}
		if err := s.db.Model(&existing).Updates(updates).Error; err != nil {
			return nil, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		m := models.Membership{
			GroupID:    group.ID,
			UserID:     userID,
			Role:       models.RoleMember,
			IsApproved: true,
			JoinedAt:   time.Now(),
		}
		if err := s.db.Create(&m).Error; err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	var user models.User
	if err := s.db.Select("id", "username").First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &MemberDTO{UserID: userID, Username: user.Username, Role: models.RoleMember, IsApproved: true, JoinedAt: time.Now()}, nil
}

// Leave 退出群组：软删除本人成员行。创建者不能退出自己的群组。
func (s *GroupService) Leave(groupID, userID uint) error {
	group, err := s.load(groupID)
	if err != nil {
		return err
	}
	if group.CreatorID == userID {
		return Forbidden("the group creator cannot leave the group")
	}
	row, err := s.members.activeRow(userID, groupID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFound("membership not found")
		}
		return err
	}
	now := time.Now()
	return s.db.Model(row).Updates(map[string]interface{}{"is_deleted": true, "left_at": &now}).Error
}

// RemoveMember 移除成员。moderator 只能移除 member；admin 可以移除
// 任何人；创建者对所有人免疫。
func (s *GroupService) RemoveMember(groupID, callerID, targetID uint) error {
	group, err := s.load(groupID)
	if err != nil {
		return err
	}
	callerRole, err := s.members.RequireRole(callerID, groupID, models.RoleAdmin, models.RoleModerator)
	if err != nil {
		return err
	}
	if targetID == group.CreatorID {
		return Forbidden("the group creator cannot be removed")
	}
	target, err := s.members.activeRow(targetID, groupID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFound("membership not found")
		}
		return err
	}
	if !CanActOn(callerRole, target.Role) {
		return Forbidden("insufficient permissions to remove this member")
	}
	now := time.Now()
	return s.db.Model(target).Updates(map[string]interface{}{"is_deleted": true, "left_at": &now}).Error
}

// UpdateRole 重新指派成员角色，仅 admin。目标角色必须是三种已知值，
// 创建者的角色不可变更。
func (s *GroupService) UpdateRole(groupID, callerID, targetID uint, role string) error {
	group, err := s.load(groupID)
	if err != nil {
		return err
	}
	if _, err := s.members.RequireRole(callerID, groupID, models.RoleAdmin); err != nil {
		return err
	}
	if !models.ValidRole(role) {
		return Validation("unknown role")
	}
	if targetID == group.CreatorID {
		return Forbidden("the group creator's role cannot be changed")
	}
	target, err := s.members.activeRow(targetID, groupID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFound("membership not found")
		}
		return err
	}
	return s.db.Model(target).Update("role", role).Error
}

// GenerateInviteCode 为私有群组生成新邀请码，旧码即刻失效。
// admin 或 moderator 可操作。
func (s *GroupService) GenerateInviteCode(groupID, callerID uint) (string, error) {
	group, err := s.load(groupID)
	if err != nil {
		return "", err
	}
	if _, err := s.members.RequireRole(callerID, groupID, models.RoleAdmin, models.RoleModerator); err != nil {
		return "", err
	}
	if !group.IsPrivate {
		return "", Validation("invite codes only apply to private groups")
	}
	code, err := newInviteCode()
	if err != nil {
		return "", err
	}
	if err := s.db.Model(group).Update("invite_code", code).Error; err != nil {
		return "", err
	}
	return code, nil
}

// ListMembers 返回群组的有效成员，任何成员可查看。
func (s *GroupService) ListMembers(groupID, callerID uint) ([]MemberDTO, error) {
	if _, err := s.load(groupID); err != nil {
		return nil, err
	}
	if _, err := s.members.RequireMember(callerID, groupID); err != nil {
		return nil, err
	}
	var rows []models.Membership
	if err := s.db.Where("group_id = ? AND is_deleted = FALSE", groupID).Order("joined_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	userIDs := make([]uint, 0, len(rows))
	for _, r := range rows {
		userIDs = append(userIDs, r.UserID)
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
	out := make([]MemberDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, MemberDTO{
			UserID:     r.UserID,
			Username:   usernames[r.UserID],
			Role:       r.Role,
			IsApproved: r.IsApproved,
			JoinedAt:   r.JoinedAt,
		})
	}
	return out, nil
}

// ListMine 返回用户加入的全部群组，附带房间在线连接数。
func (s *GroupService) ListMine(userID uint) ([]GroupDTO, error) {
	var rows []models.Membership
	err := s.db.Where("user_id = ? AND is_deleted = FALSE AND is_approved = TRUE AND is_banned = FALSE", userID).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []GroupDTO{}, nil
	}
	roles := make(map[uint]string, len(rows))
	groupIDs := make([]uint, 0, len(rows))
	for _, r := range rows {
		roles[r.GroupID] = r.Role
		groupIDs = append(groupIDs, r.GroupID)
	}
	var groups []models.Group
	if err := s.db.Where("id IN ? AND is_deleted = FALSE", groupIDs).Order("id desc").Find(&groups).Error; err != nil {
		return nil, err
	}
	out := make([]GroupDTO, 0, len(groups))
	for i := range groups {
		out = append(out, *s.toDTO(&groups[i], roles[groups[i].ID]))
	}
	return out, nil
}

// ListPublic 返回公开群组列表，无需成员身份。
func (s *GroupService) ListPublic(limit int) ([]GroupDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var groups []models.Group
	if err := s.db.Where("is_private = FALSE AND is_deleted = FALSE").Order("id desc").Limit(limit).Find(&groups).Error; err != nil {
		return nil, err
	}
	out := make([]GroupDTO, 0, len(groups))
	for i := range groups {
		out = append(out, *s.toDTO(&groups[i], ""))
	}
	return out, nil
}

func (s *GroupService) load(groupID uint) (*models.Group, error) {
	var group models.Group
	err := s.db.Where("id = ? AND is_deleted = FALSE", groupID).First(&group).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("group not found")
		}
		return nil, err
	}
	return &group, nil
}

func (s *GroupService) loadByInviteCode(code string) (*models.Group, error) {
	var group models.Group
	err := s.db.Where("invite_code = ? AND is_private = TRUE AND is_deleted = FALSE", code).First(&group).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("group not found")
		}
		return nil, err
	}
	return &group, nil
}

func (s *GroupService) toDTO(g *models.Group, callerRole string) *GroupDTO {
	dto := &GroupDTO{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		IsPrivate:   g.IsPrivate,
		CreatorID:   g.CreatorID,
		Online:      s.hub.Online(g.ID),
	}
	if callerRole == models.RoleAdmin || callerRole == models.RoleModerator {
		dto.InviteCode = g.InviteCode
	}
	return dto
}

func newInviteCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
