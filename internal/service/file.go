package service

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"groupchat/internal/config"
	"groupchat/internal/models"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// FileService 管理群组附件：落盘存储 + 元数据落库。
type FileService struct {
	db      *gorm.DB
	cfg     config.Config
	members *MembershipService
}

func NewFileService(db *gorm.DB, cfg config.Config, members *MembershipService) *FileService {
	return &FileService{db: db, cfg: cfg, members: members}
}

// AttachmentDTO 是对外输出的附件元数据。
type AttachmentDTO struct {
	ID          uint   `json:"id"`
	GroupID     uint   `json:"group_id"`
	MessageID   *uint  `json:"message_id,omitempty"`
	UploaderID  uint   `json:"uploader_id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Upload 接收上传文件：成员资格校验、大小上限、随机落盘名。
// 上传后的附件先独立存在，发消息时再挂到消息上。
func (s *FileService) Upload(groupID, uploaderID uint, fh *multipart.FileHeader) (*AttachmentDTO, error) {
	if _, err := s.members.RequireMember(uploaderID, groupID); err != nil {
		return nil, err
	}
	if fh.Size <= 0 || fh.Size > s.cfg.MaxUploadBytes {
		return nil, Validation("file size out of range")
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	storedName := hex.EncodeToString(b) + filepath.Ext(fh.Filename)

	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return nil, err
	}
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(s.cfg.UploadDir, storedName))
	if err != nil {
		return nil, err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return nil, err
	}

	att := models.Attachment{
		GroupID:     groupID,
		UploaderID:  uploaderID,
		FileName:    filepath.Base(fh.Filename),
		StoredName:  storedName,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
	}
	if err := s.db.Create(&att).Error; err != nil {
		_ = os.Remove(filepath.Join(s.cfg.UploadDir, storedName))
		return nil, err
	}
	return toAttachmentDTO(&att), nil
}

// Path 返回附件的落盘路径，供下载接口使用。成员资格必须有效。
func (s *FileService) Path(fileID, callerID uint) (string, *AttachmentDTO, error) {
	att, err := s.load(fileID)
	if err != nil {
		return "", nil, err
	}
	if _, err := s.members.RequireMember(callerID, att.GroupID); err != nil {
		return "", nil, err
	}
	return filepath.Join(s.cfg.UploadDir, att.StoredName), toAttachmentDTO(att), nil
}

// Delete 软删除附件并尽力移除磁盘文件。上传者本人或 admin/moderator 可删。
func (s *FileService) Delete(fileID, callerID uint) error {
	att, err := s.load(fileID)
	if err != nil {
		return err
	}
	if att.UploaderID != callerID {
		role, err := s.members.GetRole(callerID, att.GroupID)
		if err != nil {
			return err
		}
		if role != models.RoleAdmin && role != models.RoleModerator {
			return Forbidden("only the uploader, an admin or a moderator can delete this file")
		}
	}
	if err := s.db.Model(att).Update("is_deleted", true).Error; err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.cfg.UploadDir, att.StoredName)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Uint("file_id", att.ID).Msg("remove attachment file")
	}
	return nil
}

func (s *FileService) load(fileID uint) (*models.Attachment, error) {
	var att models.Attachment
	err := s.db.Where("id = ? AND is_deleted = FALSE", fileID).First(&att).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("file not found")
		}
		return nil, err
	}
	return &att, nil
}

func toAttachmentDTO(a *models.Attachment) *AttachmentDTO {
	return &AttachmentDTO{
		ID:          a.ID,
		GroupID:     a.GroupID,
		MessageID:   a.MessageID,
		UploaderID:  a.UploaderID,
		FileName:    a.FileName,
		ContentType: a.ContentType,
		Size:        a.Size,
	}
}
