package room

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// 房间 ID 是逻辑键的纯函数，客户端可本地推算，服务端只校验成员资格。

type Kind string

const (
	KindGroup   Kind = "group"
	KindPrivate Kind = "private"
)

const (
	groupPrefix   = "activity:"
	privatePrefix = "private:"
)

var ErrInvalidKey = errors.New("invalid room key")

// Room 是群聊/私聊两种变体的公共视图。
type Room interface {
	ID() string
	Kind() Kind
}

// GroupRoom 对应一个活动的讨论房间，所有被接受的报名者共享。
type GroupRoom struct {
	ActivityID string
}

func (g GroupRoom) ID() string { return groupPrefix + g.ActivityID }
func (g GroupRoom) Kind() Kind { return KindGroup }

// PrivateRoom 对应一对用户的私聊房间，成对无序。
type PrivateRoom struct {
	UserA string
	UserB string
}

func (p PrivateRoom) ID() string {
	a, b := p.UserA, p.UserB
	if a > b {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + "|" + b))
	return privatePrefix + hex.EncodeToString(sum[:])[:32]
}

func (p PrivateRoom) Kind() Kind { return KindPrivate }

// ResolveGroupRoom 由活动 ID 推算群聊房间 ID。
func ResolveGroupRoom(activityID string) (string, error) {
	if strings.TrimSpace(activityID) == "" {
		return "", ErrInvalidKey
	}
	return GroupRoom{ActivityID: activityID}.ID(), nil
}

// ResolvePrivateRoom 由无序用户对推算私聊房间 ID，参数顺序不影响结果。
func ResolvePrivateRoom(userA, userB string) (string, error) {
	if strings.TrimSpace(userA) == "" || strings.TrimSpace(userB) == "" {
		return "", ErrInvalidKey
	}
	return PrivateRoom{UserA: userA, UserB: userB}.ID(), nil
}

// ParseKind 按前缀判断房间变体。
func ParseKind(roomID string) (Kind, bool) {
	switch {
	case strings.HasPrefix(roomID, groupPrefix) && len(roomID) > len(groupPrefix):
		return KindGroup, true
	case strings.HasPrefix(roomID, privatePrefix) && len(roomID) > len(privatePrefix):
		return KindPrivate, true
	}
	return "", false
}

// ActivityID 从群聊房间 ID 还原活动 ID。
func ActivityID(roomID string) (string, bool) {
	if k, ok := ParseKind(roomID); !ok || k != KindGroup {
		return "", false
	}
	return strings.TrimPrefix(roomID, groupPrefix), true
}
