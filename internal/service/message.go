package service

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PETYTH/EXPLOROUEN-sub000/internal/metrics"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageService 是消息的唯一真相来源：先落库再确认，推送失败只会延迟、不会丢消息。
type MessageService struct {
	db      *gorm.DB
	members *MemberService
}

func NewMessageService(db *gorm.DB, members *MemberService) *MessageService {
	return &MessageService{db: db, members: members}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID         string     `json:"id"`
	RoomID     string     `json:"room_id"`
	AuthorID   uint       `json:"author_id"`
	AuthorName string     `json:"author_name"`
	Type       string     `json:"type"`
	Content    string     `json:"content"`
	MediaRef   string     `json:"media_ref,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Append 校验成员资格和消息体后持久化一条消息。返回时消息已落库。
func (s *MessageService) Append(roomID string, authorID uint, mtype, content, mediaRef string) (*MessageDTO, error) {
	if err := validateMessage(mtype, content, mediaRef); err != nil {
		return nil, err
	}
	ok, err := s.members.IsMember(roomID, authorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}

	// UUIDv7 按时间有序，同毫秒的两位作者也能形成全序。
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	msg := models.Message{
		ID:        id.String(),
		RoomID:    roomID,
		AuthorID:  authorID,
		Type:      mtype,
		Content:   content,
		MediaRef:  mediaRef,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	metrics.MessagesStoredTotal.Inc()

	names, err := s.resolveAuthorNames([]models.Message{msg})
	if err != nil {
		return nil, err
	}
	dto := toMessageDTO(msg, names)
	return &dto, nil
}

// List 按 (created_at, id) 键集分页，旧到新返回一页消息和下一页游标。
func (s *MessageService) List(roomID string, cursor string, limit int) ([]MessageDTO, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.Where("room_id = ?", roomID)
	if cursor != "" {
		at, id, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", ErrInvalidMessage
		}
		q = q.Where("(created_at, id) > (?, ?)", at, id)
	}
	var msgs []models.Message
	if err := q.Order("created_at, id").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, "", err
	}
	out, err := s.toDTOs(msgs)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(msgs) == limit {
		last := msgs[len(msgs)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return out, next, nil
}

// ListSince 返回严格位于锚点消息之后的全部消息，供重连 resync 使用。
// 锚点未知时返回 ErrStaleSince，客户端应回退到全量 List。
func (s *MessageService) ListSince(roomID, afterID string) ([]MessageDTO, error) {
	var anchor models.Message
	err := s.db.Where("id = ? AND room_id = ?", afterID, roomID).First(&anchor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStaleSince
		}
		return nil, err
	}
	var msgs []models.Message
	err = s.db.Where("room_id = ? AND (created_at, id) > (?, ?)", roomID, anchor.CreatedAt, anchor.ID).
		Order("created_at, id").Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return s.toDTOs(msgs)
}

func validateMessage(mtype, content, mediaRef string) error {
	switch mtype {
	case models.MessageText, models.MessageSystem:
		if strings.TrimSpace(content) == "" {
			return ErrInvalidMessage
		}
	case models.MessageImage, models.MessageVideo:
		if mediaRef == "" {
			return ErrInvalidMessage
		}
	default:
		return ErrInvalidMessage
	}
	return nil
}

func (s *MessageService) toDTOs(msgs []models.Message) ([]MessageDTO, error) {
	names, err := s.resolveAuthorNames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageDTO(m, names))
	}
	return out, nil
}

// resolveAuthorNames 批量获取消息涉及的作者展示名。
func (s *MessageService) resolveAuthorNames(msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.AuthorID]; ok {
			continue
		}
		seen[m.AuthorID] = struct{}{}
		userIDs = append(userIDs, m.AuthorID)
	}
	names := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.Select("id", "username", "display_name").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			if u.DisplayName != "" {
				names[u.ID] = u.DisplayName
			} else {
				names[u.ID] = u.Username
			}
		}
	}
	return names, nil
}

func toMessageDTO(m models.Message, names map[uint]string) MessageDTO {
	return MessageDTO{
		ID:         m.ID,
		RoomID:     m.RoomID,
		AuthorID:   m.AuthorID,
		AuthorName: names[m.AuthorID],
		Type:       m.Type,
		Content:    m.Content,
		MediaRef:   m.MediaRef,
		CreatedAt:  m.CreatedAt,
		EditedAt:   m.EditedAt,
		DeletedAt:  m.DeletedAt,
	}
}

// 游标编码 (created_at, id)，并发插入下不会跳行或重行。
func encodeCursor(at time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", at.UnixMicro(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("malformed cursor")
	}
	var micros int64
	if _, err := fmt.Sscanf(parts[0], "%d", &micros); err != nil {
		return time.Time{}, "", err
	}
	return time.UnixMicro(micros).UTC(), parts[1], nil
}
