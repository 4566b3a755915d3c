package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/PETYTH/EXPLOROUEN-sub000/internal/auth"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/config"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/metrics"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/models"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Session 对应一条活跃连接。一个用户可同时持有多个会话（多设备），
// 推送必须覆盖全部会话。连接断开即销毁，重连后从空订阅开始。
type Session struct {
	id     string
	userID uint
	uname  string
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newSession(userID uint, uname string, conn *websocket.Conn, sendBuffer int) *Session {
	return &Session{
		id:     uuid.NewString(),
		userID: userID,
		uname:  uname,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

// enqueue 非阻塞入队；缓冲满返回 false，由调用方决定丢弃。
func (s *Session) enqueue(b []byte) bool {
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

func (s *Session) addRoom(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

func (s *Session) inRoom(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

func (s *Session) roomIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		out = append(out, roomID)
	}
	return out
}

func (s *Session) close() {
	s.once.Do(func() { close(s.closed) })
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// 入站帧。action 决定其余字段的含义。
type inboundFrame struct {
	Action   string `json:"action"` // join | leave | typing-start | typing-stop | send
	RoomID   string `json:"room_id"`
	Type     string `json:"msg_type,omitempty"`
	Content  string `json:"content,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}

// Serve 升级 websocket 连接并运行会话状态机。
func Serve(hub *Hub, typing *TypingTracker, msgSvc *service.MessageService, db *gorm.DB, cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Token 走 Authorization 头或 token query 参数（移动端 WS 升级带不了自定义头）。
		authz := c.GetHeader("Authorization")
		token := c.Query("token")
		if token == "" && len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
			token = authz[7:]
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
		if err := db.First(&user, claims.UserID).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		uname := user.DisplayName
		if uname == "" {
			uname = user.Username
		}
		s := newSession(user.ID, uname, conn, cfg.SessionSendBuffer)
		metrics.WsConnections.Inc()

		go s.writePump()
		s.readPump(hub, typing, msgSvc)
	}
}

func (s *Session) readPump(hub *Hub, typing *TypingTracker, msgSvc *service.MessageService) {
	defer func() {
		hub.Disconnect(s)
		metrics.WsConnections.Dec()
		s.close()
		_ = s.conn.Close()
	}()
	s.conn.SetReadLimit(1 << 20) // 1MB
	s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil || in.RoomID == "" {
			continue
		}
		switch in.Action {
		case "join":
			if err := hub.Subscribe(s, in.RoomID); err != nil {
				s.sendError(in.RoomID, err)
				continue
			}
			s.sendAck("joined", in.RoomID)
		case "leave":
			hub.Unsubscribe(s, in.RoomID)
			typing.Stop(in.RoomID, s.userID)
			s.sendAck("left", in.RoomID)
		case "typing-start":
			if s.inRoom(in.RoomID) {
				typing.Start(in.RoomID, s.userID)
				hub.Typing(in.RoomID, s.userID, s.uname, true)
			}
		case "typing-stop":
			if s.inRoom(in.RoomID) {
				typing.Stop(in.RoomID, s.userID)
				hub.Typing(in.RoomID, s.userID, s.uname, false)
			}
		case "send":
			mtype := in.Type
			if mtype == "" {
				mtype = models.MessageText
			}
			// 先落库后推送；落库失败绝不推送，推送失败也不回滚。
			dto, err := msgSvc.Append(in.RoomID, s.userID, mtype, in.Content, in.MediaRef)
			if err != nil {
				log.Warn().Err(err).Str("room_id", in.RoomID).Uint("user_id", s.userID).Msg("ws append")
				s.sendError(in.RoomID, err)
				continue
			}
			hub.Publish(dto)
		}
	}
}

func (s *Session) sendAck(kind, roomID string) {
	if b, err := json.Marshal(map[string]interface{}{"type": kind, "room_id": roomID}); err == nil {
		_ = s.enqueue(b)
	}
}

// sendError 把业务错误翻译成客户端可判别的错误码。
func (s *Session) sendError(roomID string, err error) {
	code := "unavailable"
	switch {
	case errors.Is(err, service.ErrNotMember):
		code = "unauthorized"
	case errors.Is(err, service.ErrInvalidMessage), errors.Is(err, service.ErrRoomNotFound):
		code = "invalid"
	}
	if b, e := json.Marshal(map[string]interface{}{"type": "error", "room_id": roomID, "code": code}); e == nil {
		_ = s.enqueue(b)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-s.closed:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
