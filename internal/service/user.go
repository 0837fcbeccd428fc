package service

import (
	"errors"
	"strings"
	"time"

	"groupchat/internal/auth"
	"groupchat/internal/config"
	"groupchat/internal/models"

	"gorm.io/gorm"
)

// UserService 封装注册、登录、token 轮换与用户状态。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
	hub Broadcaster
}

func NewUserService(db *gorm.DB, cfg config.Config, hub Broadcaster) *UserService {
	return &UserService{db: db, cfg: cfg, hub: hub}
}

// UserDTO 是对外输出的用户数据。
type UserDTO struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Status   string `json:"status"`
}

// AuthResult 是注册/登录/刷新成功后返回的 token 对。
type AuthResult struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         *UserDTO  `json:"user,omitempty"`
}

// Register 注册新用户并直接签发 token 对。用户名与邮箱都要求唯一。
func (s *UserService) Register(username, email, password, device, ip string) (*AuthResult, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if len(username) < 2 || len(username) > 64 {
		return nil, Validation("invalid username")
	}
	if email == "" || !strings.Contains(email, "@") || len(email) > 255 {
		return nil, Validation("invalid email")
	}
	if len(password) < 6 || len(password) > 128 {
		return nil, Validation("invalid password")
	}
	var count int64
	if err := s.db.Model(&models.User{}).Where("username = ? OR email = ?", username, email).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, Conflict("username or email already registered")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Username: username, Email: email, PasswordHash: hash, Status: models.StatusOffline}
	if err := s.db.Create(&user).Error; err != nil {
		return nil, err
	}
	return s.issueTokens(&user, device, ip)
}

// Login 按邮箱登录。未知邮箱与错误密码返回同一个错误，不给探测线索。
func (s *UserService) Login(email, password, device, ip string) (*AuthResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	var user models.User
	err := s.db.Where("email = ? AND is_deleted = FALSE", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, Forbidden("invalid credentials")
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, Forbidden("invalid credentials")
	}
	now := time.Now()
	_ = s.db.Model(&user).Updates(map[string]interface{}{"status": models.StatusOnline, "last_active_at": &now}).Error
	return s.issueTokens(&user, device, ip)
}

// RefreshTokens 验证旧 refresh token 并在同一事务内轮换：旧 token
// 撤销与新 token 签发原子完成，复用旧 token 必然失败。
func (s *UserService) RefreshTokens(oldRT, device, ip string) (*AuthResult, error) {
	var result *AuthResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return Forbidden("invalid or expired refresh token")
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		var user models.User
		if err := tx.Where("id = ? AND is_deleted = FALSE", rec.UserID).First(&user).Error; err != nil {
			return Forbidden("invalid or expired refresh token")
		}
		result, err = s.issueTokensTx(tx, &user, device, ip)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Revoke 撤销单个 refresh token。
func (s *UserService) Revoke(token string) error {
	return auth.RevokeRefreshToken(s.db, token)
}

// RevokeAll 撤销用户的全部活跃 refresh token（各端登出）。
func (s *UserService) RevokeAll(userID uint) error {
	return auth.RevokeAllRefreshTokens(s.db, userID)
}

// UpdateStatus 更新用户展示状态并全局广播。
func (s *UserService) UpdateStatus(userID uint, status string) error {
	if !models.ValidStatus(status) {
		return Validation("unknown status")
	}
	if err := s.TouchPresence(userID, status); err != nil {
		return err
	}
	s.hub.BroadcastGlobal(EventUserStatusChanged, map[string]interface{}{
		"user_id": userID, "status": status,
	})
	return nil
}

// TouchPresence 落库状态与活跃时间，不广播。连接建立/断开时调用。
func (s *UserService) TouchPresence(userID uint, status string) error {
	now := time.Now()
	return s.db.Model(&models.User{}).Where("id = ?", userID).
		Updates(map[string]interface{}{"status": status, "last_active_at": &now}).Error
}

func (s *UserService) issueTokens(user *models.User, device, ip string) (*AuthResult, error) {
	return s.issueTokensTx(s.db, user, device, ip)
}

func (s *UserService) issueTokensTx(tx *gorm.DB, user *models.User, device, ip string) (*AuthResult, error) {
	expiresAt := time.Now().Add(time.Duration(s.cfg.AccessTokenTTLMinutes) * time.Minute)
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(tx, user.ID, rt, exp, device, ip); err != nil {
		return nil, err
	}
	return &AuthResult{
		AccessToken:  at,
		RefreshToken: rt,
		ExpiresAt:    expiresAt,
		User:         &UserDTO{ID: user.ID, Username: user.Username, Email: user.Email, Status: user.Status},
	}, nil
}
