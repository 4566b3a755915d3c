package service

import (
	"errors"
	"sync"
	"time"

	"github.com/PETYTH/EXPLOROUEN-sub000/internal/models"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/room"

	"gorm.io/gorm"
)

// MemberService 回答「谁能读写某个房间」。
// 群聊成员派生自报名子系统的已接受报名，每次调用实时查询、绝不缓存，
// 否则取消报名的用户会继续看到消息。私聊成员创建后不可变，进程内缓存一次即可。
type MemberService struct {
	db *gorm.DB

	mu      sync.RWMutex
	private map[string][2]uint
}

func NewMemberService(db *gorm.DB) *MemberService {
	return &MemberService{db: db, private: make(map[string][2]uint)}
}

// ParticipantDTO 是房间维度的用户视图。
type ParticipantDTO struct {
	UserID      uint      `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// IsMember 判断用户当前是否为房间成员。房间不存在返回 ErrRoomNotFound。
func (s *MemberService) IsMember(roomID string, userID uint) (bool, error) {
	kind, ok := room.ParseKind(roomID)
	if !ok {
		return false, ErrRoomNotFound
	}
	switch kind {
	case room.KindGroup:
		activityID, _ := room.ActivityID(roomID)
		var count int64
		err := s.db.Model(&models.Registration{}).
			Where("activity_id = ? AND user_id = ? AND status = ?", activityID, userID, models.RegistrationAccepted).
			Count(&count).Error
		if err != nil {
			return false, err
		}
		return count > 0, nil
	default:
		pair, err := s.privatePair(roomID)
		if err != nil {
			return false, err
		}
		return userID == pair[0] || userID == pair[1], nil
	}
}

// Members 返回房间当前的全部成员视图。
func (s *MemberService) Members(roomID string) ([]ParticipantDTO, error) {
	kind, ok := room.ParseKind(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	if kind == room.KindGroup {
		return s.groupMembers(roomID)
	}
	return s.privateMembers(roomID)
}

func (s *MemberService) groupMembers(roomID string) ([]ParticipantDTO, error) {
	activityID, _ := room.ActivityID(roomID)
	var regs []models.Registration
	err := s.db.Where("activity_id = ? AND status = ?", activityID, models.RegistrationAccepted).
		Order("created_at").Find(&regs).Error
	if err != nil {
		return nil, err
	}
	joined := make(map[uint]time.Time, len(regs))
	userIDs := make([]uint, 0, len(regs))
	for _, r := range regs {
		joined[r.UserID] = r.CreatedAt
		userIDs = append(userIDs, r.UserID)
	}
	users, err := s.lookupUsers(userIDs)
	if err != nil {
		return nil, err
	}
	out := make([]ParticipantDTO, 0, len(regs))
	for _, r := range regs {
		out = append(out, participantView(users[r.UserID], r.UserID, joined[r.UserID]))
	}
	return out, nil
}

func (s *MemberService) privateMembers(roomID string) ([]ParticipantDTO, error) {
	var rec models.PrivateRoom
	if err := s.db.Where("room_id = ?", roomID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	users, err := s.lookupUsers([]uint{rec.UserAID, rec.UserBID})
	if err != nil {
		return nil, err
	}
	return []ParticipantDTO{
		participantView(users[rec.UserAID], rec.UserAID, rec.CreatedAt),
		participantView(users[rec.UserBID], rec.UserBID, rec.CreatedAt),
	}, nil
}

// privatePair 读取私聊房间的固定成员对，命中一次后永久缓存。
func (s *MemberService) privatePair(roomID string) ([2]uint, error) {
	s.mu.RLock()
	pair, ok := s.private[roomID]
	s.mu.RUnlock()
	if ok {
		return pair, nil
	}
	var rec models.PrivateRoom
	if err := s.db.Where("room_id = ?", roomID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return pair, ErrRoomNotFound
		}
		return pair, err
	}
	pair = [2]uint{rec.UserAID, rec.UserBID}
	s.mu.Lock()
	s.private[roomID] = pair
	s.mu.Unlock()
	return pair, nil
}

// lookupUsers 批量查询用户目录，返回 id -> user。
func (s *MemberService) lookupUsers(ids []uint) (map[uint]models.User, error) {
	out := make(map[uint]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.Select("id", "username", "display_name", "avatar_ref").Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func participantView(u models.User, userID uint, joinedAt time.Time) ParticipantDTO {
	name := u.DisplayName
	if name == "" {
		name = u.Username
	}
	return ParticipantDTO{UserID: userID, DisplayName: name, AvatarRef: u.AvatarRef, JoinedAt: joinedAt}
}
