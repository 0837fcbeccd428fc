package models

import "time"

// 成员角色与用户状态的合法取值。
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleMember    = "member"

	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// ValidRole 校验角色字符串是否为三种已知角色之一。
func ValidRole(role string) bool {
	return role == RoleAdmin || role == RoleModerator || role == RoleMember
}

// ValidStatus 校验用户状态字符串。
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string `gorm:"not null"`
	Status       string `gorm:"size:16;not null;default:offline"`
	LastActiveAt *time.Time
	IsDeleted    bool `gorm:"not null;default:false"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Group struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"size:128;not null"`
	Description string `gorm:"size:512"`
	IsPrivate   bool   `gorm:"not null;default:false"`
	CreatorID   uint   `gorm:"index;not null"`
	InviteCode  string `gorm:"index;size:64"`
	IsDeleted   bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Membership 是用户与群组的关联行，同一 (group, user) 至多存在一条未删除记录。
type Membership struct {
	ID         uint   `gorm:"primaryKey"`
	GroupID    uint   `gorm:"uniqueIndex:idx_member_group_user;not null"`
	UserID     uint   `gorm:"uniqueIndex:idx_member_group_user;not null"`
	Role       string `gorm:"size:16;not null;default:member"`
	IsApproved bool   `gorm:"not null;default:false"`
	IsBanned   bool   `gorm:"not null;default:false"`
	IsDeleted  bool   `gorm:"not null;default:false"`
	JoinedAt   time.Time
	LeftAt     *time.Time
}

type Message struct {
	ID        uint   `gorm:"primaryKey"`
	GroupID   uint   `gorm:"index:idx_msg_group;not null"`
	UserID    uint   `gorm:"index;not null"`
	Content   string `gorm:"type:text;not null"`
	ReplyToID *uint  `gorm:"index"`
	IsEdited  bool   `gorm:"not null;default:false"`
	IsDeleted bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Attachment struct {
	ID          uint   `gorm:"primaryKey"`
	GroupID     uint   `gorm:"index;not null"`
	MessageID   *uint  `gorm:"index"`
	UploaderID  uint   `gorm:"index;not null"`
	FileName    string `gorm:"size:255;not null"`
	StoredName  string `gorm:"uniqueIndex;size:128;not null"`
	ContentType string `gorm:"size:128"`
	Size        int64  `gorm:"not null"`
	IsDeleted   bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	Device    string    `gorm:"size:255"`
	IP        string    `gorm:"size:64"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
