package server

import (
	"net/http"
	"strconv"
	"time"

	"groupchat/internal/auth"
	"groupchat/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	users  *service.UserService
	groups *service.GroupService
	msgs   *service.MessageService
	files  *service.FileService
}

func NewHandler(users *service.UserService, groups *service.GroupService, msgs *service.MessageService, files *service.FileService) *Handler {
	return &Handler{users: users, groups: groups, msgs: msgs, files: files}
}

// statusOf 把错误分类映射到 HTTP 状态码。全映射，没有字符串匹配。
func statusOf(kind service.Kind) int {
	switch kind {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindForbidden:
		return http.StatusForbidden
	case service.KindConflict:
		return http.StatusConflict
	case service.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondErr 按错误分类写响应。Unexpected 只记日志，对外给通用消息。
func respondErr(c *gin.Context, op string, err error) {
	kind := service.KindOf(err)
	if kind == service.KindUnexpected {
		log.Error().Err(err).Str("op", op).Msg("unexpected failure")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(statusOf(kind), gin.H{"error": err.Error()})
}

func paramUint(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

// ---- auth ----

// Register 处理用户注册，成功即签发 token 对。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.users.Register(req.Username, req.Email, req.Password, c.GetHeader("User-Agent"), c.ClientIP())
	if err != nil {
		respondErr(c, "register", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Login 处理登录。凭证错误统一返回 401，不区分邮箱是否存在。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.users.Login(req.Email, req.Password, c.GetHeader("User-Agent"), c.ClientIP())
	if err != nil {
		if service.KindOf(err) == service.KindForbidden {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		respondErr(c, "login", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Refresh 轮换 refresh token。
func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.users.RefreshTokens(req.RefreshToken, c.GetHeader("User-Agent"), c.ClientIP())
	if err != nil {
		if service.KindOf(err) == service.KindForbidden {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
			return
		}
		respondErr(c, "refresh", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Revoke 撤销单个 refresh token。
func (h *Handler) Revoke(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.users.Revoke(req.RefreshToken); err != nil {
		respondErr(c, "revoke", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RevokeAll 撤销当前用户全部 refresh token（各端登出）。
func (h *Handler) RevokeAll(c *gin.Context) {
	if err := h.users.RevokeAll(auth.GetUserID(c)); err != nil {
		respondErr(c, "revoke all", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ---- groups ----

// CreateGroup 创建群组，创建者自动成为 admin。
func (h *Handler) CreateGroup(c *gin.Context) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		IsPrivate   bool   `json:"is_private"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	group, err := h.groups.Create(req.Name, req.Description, req.IsPrivate, auth.GetUserID(c))
	if err != nil {
		respondErr(c, "create group", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": group})
}

// ListGroups 返回当前用户加入的群组；?scope=public 时返回公开群组。
func (h *Handler) ListGroups(c *gin.Context) {
	if c.Query("scope") == "public" {
		groups, err := h.groups.ListPublic(100)
		if err != nil {
			respondErr(c, "list public groups", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"groups": groups})
		return
	}
	groups, err := h.groups.ListMine(auth.GetUserID(c))
	if err != nil {
		respondErr(c, "list groups", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (h *Handler) GetGroup(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	group, err := h.groups.Get(groupID, auth.GetUserID(c))
	if err != nil {
		respondErr(c, "get group", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": group})
}

func (h *Handler) UpdateGroup(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	var req struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	group, err := h.groups.Update(groupID, auth.GetUserID(c), req.Name, req.Description)
	if err != nil {
		respondErr(c, "update group", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": group})
}

func (h *Handler) DeleteGroup(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	if err := h.groups.Delete(groupID, auth.GetUserID(c)); err != nil {
		respondErr(c, "delete group", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// JoinGroup 按群组 ID 加入。
func (h *Handler) JoinGroup(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	member, err := h.groups.Join(groupID, "", auth.GetUserID(c))
	if err != nil {
		respondErr(c, "join group", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": member})
}

// JoinByInvite 按邀请码加入私有群组。
func (h *Handler) JoinByInvite(c *gin.Context) {
	var req struct {
		InviteCode string `json:"invite_code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.InviteCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	member, err := h.groups.Join(0, req.InviteCode, auth.GetUserID(c))
	if err != nil {
		respondErr(c, "join by invite", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"member": member})
}

func (h *Handler) LeaveGroup(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	if err := h.groups.Leave(groupID, auth.GetUserID(c)); err != nil {
		respondErr(c, "leave group", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) ListMembers(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	members, err := h.groups.ListMembers(groupID, auth.GetUserID(c))
	if err != nil {
		respondErr(c, "list members", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (h *Handler) RemoveMember(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	targetID, ok := paramUint(c, "userId")
	if !ok {
		return
	}
	if err := h.groups.RemoveMember(groupID, auth.GetUserID(c), targetID); err != nil {
		respondErr(c, "remove member", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) UpdateRole(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	targetID, ok := paramUint(c, "userId")
	if !ok {
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Role == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.groups.UpdateRole(groupID, auth.GetUserID(c), targetID, req.Role); err != nil {
		respondErr(c, "update role", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) GenerateInviteCode(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	code, err := h.groups.GenerateInviteCode(groupID, auth.GetUserID(c))
	if err != nil {
		respondErr(c, "generate invite code", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invite_code": code})
}

// ---- messages ----

// SendMessage 发消息；成功后 service 会向房间广播 ReceiveMessage。
func (h *Handler) SendMessage(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content       string `json:"content"`
		ReplyToID     *uint  `json:"reply_to_id"`
		AttachmentIDs []uint `json:"attachment_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgs.Send(groupID, auth.GetUserID(c), req.Content, req.ReplyToID, req.AttachmentIDs)
	if err != nil {
		respondErr(c, "send message", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *Handler) ListMessages(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	page, pageSize := pagination(c)
	msgs, err := h.msgs.ListByGroup(groupID, auth.GetUserID(c), page, pageSize)
	if err != nil {
		respondErr(c, "list messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SearchMessages 支持 text / author_id / from / to（RFC3339）过滤。
func (h *Handler) SearchMessages(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	page, pageSize := pagination(c)
	f := service.SearchFilter{Text: c.Query("text"), Page: page, PageSize: pageSize}
	if v, err := strconv.ParseUint(c.Query("author_id"), 10, 64); err == nil {
		f.AuthorID = uint(v)
	}
	if t, err := time.Parse(time.RFC3339, c.Query("from")); err == nil {
		f.From = &t
	}
	if t, err := time.Parse(time.RFC3339, c.Query("to")); err == nil {
		f.To = &t
	}
	msgs, err := h.msgs.Search(groupID, auth.GetUserID(c), f)
	if err != nil {
		respondErr(c, "search messages", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) ListReplies(c *gin.Context) {
	messageID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	page, pageSize := pagination(c)
	msgs, err := h.msgs.ListReplies(messageID, auth.GetUserID(c), page, pageSize)
	if err != nil {
		respondErr(c, "list replies", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) EditMessage(c *gin.Context) {
	messageID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	msg, err := h.msgs.Edit(messageID, auth.GetUserID(c), req.Content)
	if err != nil {
		respondErr(c, "edit message", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	messageID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	if err := h.msgs.Delete(messageID, auth.GetUserID(c)); err != nil {
		respondErr(c, "delete message", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ---- files ----

func (h *Handler) UploadFile(c *gin.Context) {
	groupID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	att, err := h.files.Upload(groupID, auth.GetUserID(c), fh)
	if err != nil {
		respondErr(c, "upload file", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": att})
}

func (h *Handler) DownloadFile(c *gin.Context) {
	fileID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	path, att, err := h.files.Path(fileID, auth.GetUserID(c))
	if err != nil {
		respondErr(c, "download file", err)
		return
	}
	c.FileAttachment(path, att.FileName)
}

func (h *Handler) DeleteFile(c *gin.Context) {
	fileID, ok := paramUint(c, "id")
	if !ok {
		return
	}
	if err := h.files.Delete(fileID, auth.GetUserID(c)); err != nil {
		respondErr(c, "delete file", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	return page, pageSize
}
