package service

import (
	"errors"

	"groupchat/internal/models"

	"gorm.io/gorm"
)

// MembershipService 是成员资格与角色判定的唯一入口：
// "用户 U 在群组 G 里能否做 X" 都从这里回答。
type MembershipService struct {
	db *gorm.DB
}

func NewMembershipService(db *gorm.DB) *MembershipService {
	return &MembershipService{db: db}
}

// GetRole 返回用户在群组中的角色；不存在有效（未删除且已批准、未封禁）
// 的成员记录时返回空串。
func (s *MembershipService) GetRole(userID, groupID uint) (string, error) {
	var m models.Membership
	err := s.db.Where(
		"group_id = ? AND user_id = ? AND is_deleted = FALSE AND is_approved = TRUE AND is_banned = FALSE",
		groupID, userID,
	).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return m.Role, nil
}

// RequireRole 要求调用方持有 allowed 中的某个角色，否则返回 Forbidden。
func (s *MembershipService) RequireRole(userID, groupID uint, allowed ...string) (string, error) {
	role, err := s.GetRole(userID, groupID)
	if err != nil {
		return "", err
	}
	if role == "" {
		return "", Forbidden("not a member of this group")
	}
	for _, a := range allowed {
		if role == a {
			return role, nil
		}
	}
	return "", Forbidden("insufficient permissions")
}

// RequireMember 只要求任意有效成员身份。
func (s *MembershipService) RequireMember(userID, groupID uint) (string, error) {
	return s.RequireRole(userID, groupID, models.RoleAdmin, models.RoleModerator, models.RoleMember)
}

// CanActOn 判定 caller 角色能否对 target 角色执行移除类操作。
// 不是严格的层级：moderator 可以处理 member，但动不了 admin 和
// 其他 moderator；admin 可以处理任何人。创建者豁免由调用方单独判断。
func CanActOn(callerRole, targetRole string) bool {
	switch callerRole {
	case models.RoleAdmin:
		return true
	case models.RoleModerator:
		return targetRole == models.RoleMember
	}
	return false
}

// activeRow 查找未删除的成员行（含未批准/被封禁的），用于生命周期操作。
func (s *MembershipService) activeRow(userID, groupID uint) (*models.Membership, error) {
	var m models.Membership
	err := s.db.Where("group_id = ? AND user_id = ? AND is_deleted = FALSE", groupID, userID).First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}
