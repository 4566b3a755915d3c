package models

import "time"

// 消息类型。SYSTEM 消息仅由服务端生成。
const (
	MessageText   = "TEXT"
	MessageImage  = "IMAGE"
	MessageVideo  = "VIDEO"
	MessageSystem = "SYSTEM"
)

// 已接受的报名才授予群聊房间的成员资格。
const (
	RegistrationPending  = "pending"
	RegistrationAccepted = "accepted"
	RegistrationRejected = "rejected"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	DisplayName  string `gorm:"size:128"`
	AvatarRef    string `gorm:"size:256"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Activity 由活动子系统维护，这里只保留成员解析需要的字段。
type Activity struct {
	ID          string `gorm:"primaryKey;size:64"`
	Title       string `gorm:"size:256;not null"`
	OrganizerID uint   `gorm:"index;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Registration 是报名子系统写入的记录，成员解析只读不写。
type Registration struct {
	ID         uint   `gorm:"primaryKey"`
	ActivityID string `gorm:"uniqueIndex:idx_reg_activity_user;size:64;not null"`
	UserID     uint   `gorm:"uniqueIndex:idx_reg_activity_user;not null"`
	Status     string `gorm:"size:16;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PrivateRoom 记录私聊房间创建时固定的两名成员，创建后不可变。
type PrivateRoom struct {
	RoomID    string `gorm:"primaryKey;size:80"`
	UserAID   uint   `gorm:"index;not null"`
	UserBID   uint   `gorm:"index;not null"`
	CreatedAt time.Time
}

// Message 是唯一的消息真相来源，只追加；编辑和删除仅打标记。
type Message struct {
	ID        string    `gorm:"primaryKey;size:36"`
	RoomID    string    `gorm:"index:idx_msg_room_created,priority:1;size:80;not null"`
	AuthorID  uint      `gorm:"index;not null"`
	Type      string    `gorm:"size:16;not null"`
	Content   string    `gorm:"type:text"`
	MediaRef  string    `gorm:"size:256"`
	CreatedAt time.Time `gorm:"index:idx_msg_room_created,priority:2;not null"`
	EditedAt  *time.Time
	DeletedAt *time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
