package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/PETYTH/EXPLOROUEN-sub000/internal/auth"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/models"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/service"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层和 Fan-out 路由。
type Handler struct {
	userSvc   *service.UserService
	roomSvc   *service.RoomService
	memberSvc *service.MemberService
	msgSvc    *service.MessageService
	hub       *ws.Hub
	typing    *ws.TypingTracker
	pageLimit int
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, memberSvc *service.MemberService, msgSvc *service.MessageService, hub *ws.Hub, typing *ws.TypingTracker, pageLimit int) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, memberSvc: memberSvc, msgSvc: msgSvc, hub: hub, typing: typing, pageLimit: pageLimit}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(req.Username, req.Password, req.DisplayName)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "username": result.Username, "display_name": result.DisplayName})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// ListMessages 返回房间历史。带 since 参数时走 resync 路径，
// 锚点失效返回 410，客户端应回退全量拉取。
func (h *Handler) ListMessages(c *gin.Context) {
	roomID := c.Param("id")
	userID := auth.GetUserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}

	if since := c.Query("since"); since != "" {
		msgs, err := h.msgSvc.ListSince(roomID, since)
		if err != nil {
			if errors.Is(err, service.ErrStaleSince) {
				c.JSON(http.StatusGone, gin.H{"error": "stale since id"})
				return
			}
			log.Error().Err(err).Str("room_id", roomID).Msg("list since")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
		return
	}

	limit := parseLimit(c.Query("limit"), h.pageLimit)
	msgs, next, err := h.msgSvc.List(roomID, c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, service.ErrInvalidMessage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		log.Error().Err(err).Str("room_id", roomID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "next_cursor": next})
}

// PostMessage 先落库再推送：append 失败不推送，推送失败不回滚。
func (h *Handler) PostMessage(c *gin.Context) {
	roomID := c.Param("id")
	userID := auth.GetUserID(c)
	var req struct {
		Type     string `json:"type"`
		Content  string `json:"content"`
		MediaRef string `json:"media_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Type == "" {
		req.Type = models.MessageText
	}
	dto, err := h.msgSvc.Append(roomID, userID, req.Type, req.Content, req.MediaRef)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotMember):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "access denied"})
		case errors.Is(err, service.ErrInvalidMessage):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message"})
		case errors.Is(err, service.ErrRoomNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		default:
			log.Error().Err(err).Str("room_id", roomID).Uint("user_id", userID).Msg("append message")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		}
		return
	}
	h.hub.Publish(dto)
	c.JSON(http.StatusOK, dto)
}

// Participants 返回房间当前成员视图。
func (h *Handler) Participants(c *gin.Context) {
	roomID := c.Param("id")
	userID := auth.GetUserID(c)
	if !h.requireMember(c, roomID, userID) {
		return
	}
	members, err := h.memberSvc.Members(roomID)
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("list participants")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list participants"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"participants": members,
		"online":       h.hub.Online(roomID),
		"typing":       h.typing.Active(roomID),
	})
}

// CreatePrivateRoom 幂等创建私聊房间，返回规范房间 ID。
func (h *Handler) CreatePrivateRoom(c *gin.Context) {
	var req struct {
		OtherUserID uint `json:"other_user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.OtherUserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	userID := auth.GetUserID(c)
	roomID, err := h.roomSvc.EnsurePrivateRoom(userID, req.OtherUserID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrSelfRoom):
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open a room with yourself"})
		case errors.Is(err, service.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		default:
			log.Error().Err(err).Uint("user_id", userID).Uint("other_user_id", req.OtherUserID).Msg("ensure private room")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create room"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID})
}

// requireMember 校验读权限，非成员一律 401，不存在的房间 404。
func (h *Handler) requireMember(c *gin.Context, roomID string, userID uint) bool {
	ok, err := h.memberSvc.IsMember(roomID, userID)
	if err != nil {
		if errors.Is(err, service.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return false
		}
		log.Error().Err(err).Str("room_id", roomID).Uint("user_id", userID).Msg("membership check")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return false
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "access denied"})
		return false
	}
	return true
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	limit := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return def
		}
		limit = limit*10 + int(r-'0')
		if limit > 200 {
			return def
		}
	}
	if limit <= 0 {
		return def
	}
	return limit
}
