package ws

import (
	"sync"
	"time"
)

// TypingTracker 记录「谁正在某房间输入」。纯内存、不持久化，
// 信号在 ttl 内未刷新即过期，丢失可接受。
type TypingTracker struct {
	mu    sync.Mutex
	ttl   time.Duration
	rooms map[string]map[uint]time.Time
	stop  chan struct{}
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	t := &TypingTracker{
		ttl:   ttl,
		rooms: make(map[string]map[uint]time.Time),
		stop:  make(chan struct{}),
	}
	go t.gc()
	return t
}

// Start 记录或刷新一条输入信号。
func (t *TypingTracker) Start(roomID string, userID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	users, ok := t.rooms[roomID]
	if !ok {
		users = make(map[uint]time.Time)
		t.rooms[roomID] = users
	}
	users[userID] = time.Now()
}

// Stop 显式清除一条输入信号。
func (t *TypingTracker) Stop(roomID string, userID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if users, ok := t.rooms[roomID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.rooms, roomID)
		}
	}
}

// Active 返回房间内未过期的输入者。
func (t *TypingTracker) Active(roomID string) []uint {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-t.ttl)
	var out []uint
	for userID, ts := range t.rooms[roomID] {
		if ts.After(cutoff) {
			out = append(out, userID)
		}
	}
	return out
}

func (t *TypingTracker) gc() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-t.ttl)
			t.mu.Lock()
			for roomID, users := range t.rooms {
				for userID, ts := range users {
					if ts.Before(cutoff) {
						delete(users, userID)
					}
				}
				if len(users) == 0 {
					delete(t.rooms, roomID)
				}
			}
			t.mu.Unlock()
		}
	}
}

// Close 停止过期清理 goroutine，用于优雅停服。
func (t *TypingTracker) Close() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}
