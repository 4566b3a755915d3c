package service

import (
	"errors"
	"strconv"

	"github.com/PETYTH/EXPLOROUEN-sub000/internal/models"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/room"

	"gorm.io/gorm"
)

// RoomService 负责私聊房间的懒创建。群聊房间无创建记录，
// 第一条指向活动的消息即隐式建房。
type RoomService struct {
	db *gorm.DB
}

func NewRoomService(db *gorm.DB) *RoomService {
	return &RoomService{db: db}
}

// EnsurePrivateRoom 幂等创建与另一用户的私聊房间，返回规范房间 ID。
// 双方各自调用得到同一个 ID，无需协调。
func (s *RoomService) EnsurePrivateRoom(userID, otherID uint) (string, error) {
	if userID == otherID {
		return "", ErrSelfRoom
	}
	var other models.User
	if err := s.db.First(&other, otherID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	roomID, err := room.ResolvePrivateRoom(formatUserID(userID), formatUserID(otherID))
	if err != nil {
		return "", err
	}
	a, b := userID, otherID
	if a > b {
		a, b = b, a
	}
	rec := models.PrivateRoom{RoomID: roomID, UserAID: a, UserBID: b}
	// 并发的首次联系会撞主键，视为已存在。
	if err := s.db.Where("room_id = ?", roomID).FirstOrCreate(&rec).Error; err != nil {
		var existing models.PrivateRoom
		if err2 := s.db.Where("room_id = ?", roomID).First(&existing).Error; err2 == nil {
			return roomID, nil
		}
		return "", err
	}
	return roomID, nil
}

// formatUserID 统一用户 ID 的字符串形态，供房间 ID 推算使用。
func formatUserID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
