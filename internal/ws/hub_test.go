package ws

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/PETYTH/EXPLOROUEN-sub000/internal/service"
)

type fakeMembers struct {
	allow map[uint]bool
	err   error
}

func (f *fakeMembers) IsMember(roomID string, userID uint) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.allow == nil {
		return true, nil
	}
	return f.allow[userID], nil
}

func allowAll() *fakeMembers { return &fakeMembers{} }

func testSession(userID uint, buffer int) *Session {
	return &Session{
		id:     "sess",
		userID: userID,
		uname:  "user",
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

// drain 读空会话缓冲，返回各帧的 type 字段。
func drain(t *testing.T, s *Session) []string {
	t.Helper()
	var types []string
	for {
		select {
		case b := <-s.send:
			var frame map[string]interface{}
			if err := json.Unmarshal(b, &frame); err != nil {
				t.Fatalf("bad frame %s: %v", b, err)
			}
			types = append(types, frame["type"].(string))
		default:
			return types
		}
	}
}

func countType(types []string, want string) int {
	n := 0
	for _, tp := range types {
		if tp == want {
			n++
		}
	}
	return n
}

func TestNewHub(t *testing.T) {
	hub := NewHub(allowAll())
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	for i, sh := range hub.shards {
		if sh == nil || sh.rooms == nil {
			t.Fatalf("shard %d not initialized", i)
		}
	}
}

func TestHub_Online_EmptyRoom(t *testing.T) {
	hub := NewHub(allowAll())
	if online := hub.Online("activity:none"); online != 0 {
		t.Errorf("Online() for empty room = %d, want 0", online)
	}
}

func TestHub_Subscribe(t *testing.T) {
	hub := NewHub(allowAll())
	s := testSession(1, 8)

	if err := hub.Subscribe(s, "activity:a1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if hub.Online("activity:a1") != 1 {
		t.Errorf("Online() after subscribe = %d, want 1", hub.Online("activity:a1"))
	}
	if !s.inRoom("activity:a1") {
		t.Error("session should track joined room")
	}
}

func TestHub_Subscribe_Unauthorized(t *testing.T) {
	hub := NewHub(&fakeMembers{allow: map[uint]bool{2: true}})
	s := testSession(1, 8)

	err := hub.Subscribe(s, "activity:a1")
	if !errors.Is(err, service.ErrNotMember) {
		t.Fatalf("Subscribe() error = %v, want ErrNotMember", err)
	}
	if hub.Online("activity:a1") != 0 {
		t.Errorf("Online() after denied subscribe = %d, want 0", hub.Online("activity:a1"))
	}
}

func TestHub_Subscribe_MembershipError(t *testing.T) {
	hub := NewHub(&fakeMembers{err: errors.New("db down")})
	s := testSession(1, 8)
	if err := hub.Subscribe(s, "activity:a1"); err == nil {
		t.Fatal("Subscribe() should propagate membership errors")
	}
}

func TestHub_Subscribe_Idempotent(t *testing.T) {
	hub := NewHub(allowAll())
	s := testSession(1, 16)

	if err := hub.Subscribe(s, "activity:a1"); err != nil {
		t.Fatalf("first Subscribe() error = %v", err)
	}
	if err := hub.Subscribe(s, "activity:a1"); err != nil {
		t.Fatalf("second Subscribe() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if hub.Online("activity:a1") != 1 {
		t.Errorf("Online() after double subscribe = %d, want 1", hub.Online("activity:a1"))
	}

	hub.Publish(&service.MessageDTO{ID: "m1", RoomID: "activity:a1", AuthorID: 1, Type: "TEXT", Content: "hi"})
	time.Sleep(10 * time.Millisecond)

	types := drain(t, s)
	if got := countType(types, "message"); got != 1 {
		t.Errorf("message frames after double subscribe = %d, want 1 (no duplicate delivery)", got)
	}
}

func TestHub_Publish_Fanout(t *testing.T) {
	hub := NewHub(allowAll())
	a := testSession(1, 16)
	b := testSession(2, 16)
	other := testSession(3, 16)

	if err := hub.Subscribe(a, "activity:a1"); err != nil {
		t.Fatal(err)
	}
	if err := hub.Subscribe(b, "activity:a1"); err != nil {
		t.Fatal(err)
	}
	if err := hub.Subscribe(other, "activity:a2"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	hub.Publish(&service.MessageDTO{ID: "m1", RoomID: "activity:a1", AuthorID: 1, Type: "TEXT", Content: "hello"})
	time.Sleep(20 * time.Millisecond)

	if got := countType(drain(t, a), "message"); got != 1 {
		t.Errorf("session a message frames = %d, want 1", got)
	}
	if got := countType(drain(t, b), "message"); got != 1 {
		t.Errorf("session b message frames = %d, want 1", got)
	}
	if got := countType(drain(t, other), "message"); got != 0 {
		t.Errorf("session in other room message frames = %d, want 0", got)
	}
}

func TestHub_Publish_NoSubscribers(t *testing.T) {
	hub := NewHub(allowAll())
	// 没有任何订阅时发布不应 panic 或阻塞。
	hub.Publish(&service.MessageDTO{ID: "m1", RoomID: "activity:empty", Type: "TEXT", Content: "x"})
}

func TestHub_DropSlowSession(t *testing.T) {
	hub := NewHub(allowAll())
	slow := testSession(1, 1)

	if err := hub.Subscribe(slow, "activity:a1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	// presence join 已占满缓冲，下一次推送必然失败并触发丢弃。
	hub.Publish(&service.MessageDTO{ID: "m1", RoomID: "activity:a1", Type: "TEXT", Content: "x"})
	time.Sleep(20 * time.Millisecond)

	if hub.Online("activity:a1") != 0 {
		t.Errorf("Online() after drop = %d, want 0", hub.Online("activity:a1"))
	}
	if slow.inRoom("activity:a1") {
		t.Error("dropped session should lose its room subscription")
	}
}

func TestHub_DropDuringSubscribe(t *testing.T) {
	hub := NewHub(allowAll())
	// 无缓冲会话连 presence join 都装不下，注册后立刻被丢弃；
	// 会话的房间集不得残留刚被移除的房间。
	s := testSession(1, 0)

	if err := hub.Subscribe(s, "activity:a1"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if hub.Online("activity:a1") != 0 {
		t.Errorf("Online() after immediate drop = %d, want 0", hub.Online("activity:a1"))
	}
	if s.inRoom("activity:a1") {
		t.Error("dropped session must not keep tracking the room")
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(allowAll())
	s := testSession(1, 8)

	if err := hub.Subscribe(s, "activity:a1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	hub.Unsubscribe(s, "activity:a1")
	hub.Unsubscribe(s, "activity:a1") // 幂等
	time.Sleep(10 * time.Millisecond)

	if hub.Online("activity:a1") != 0 {
		t.Errorf("Online() after unsubscribe = %d, want 0", hub.Online("activity:a1"))
	}
	if s.inRoom("activity:a1") {
		t.Error("session should no longer track room")
	}
}

func TestHub_Disconnect(t *testing.T) {
	hub := NewHub(allowAll())
	s := testSession(1, 16)

	for _, roomID := range []string{"activity:a1", "activity:a2", "private:abcdef"} {
		if err := hub.Subscribe(s, roomID); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	hub.Disconnect(s)
	time.Sleep(20 * time.Millisecond)

	for _, roomID := range []string{"activity:a1", "activity:a2", "private:abcdef"} {
		if hub.Online(roomID) != 0 {
			t.Errorf("Online(%q) after disconnect = %d, want 0", roomID, hub.Online(roomID))
		}
	}
	if len(s.roomIDs()) != 0 {
		t.Errorf("session rooms after disconnect = %v, want empty", s.roomIDs())
	}
}

func TestHub_Typing(t *testing.T) {
	hub := NewHub(allowAll())
	a := testSession(1, 16)
	b := testSession(2, 16)
	if err := hub.Subscribe(a, "activity:a1"); err != nil {
		t.Fatal(err)
	}
	if err := hub.Subscribe(b, "activity:a1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	hub.Typing("activity:a1", 1, "alice", true)
	time.Sleep(20 * time.Millisecond)

	if got := countType(drain(t, b), "typing"); got != 1 {
		t.Errorf("typing frames at peer = %d, want 1", got)
	}
}

func TestHub_MultipleRoomsAcrossShards(t *testing.T) {
	hub := NewHub(allowAll())
	sessions := make([]*Session, 0, 20)
	rooms := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		s := testSession(uint(i+1), 8)
		roomID := "activity:room-" + string(rune('a'+i))
		if err := hub.Subscribe(s, roomID); err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, s)
		rooms = append(rooms, roomID)
	}
	time.Sleep(30 * time.Millisecond)

	for i, roomID := range rooms {
		if hub.Online(roomID) != 1 {
			t.Errorf("Online(%q) = %d, want 1", roomID, hub.Online(roomID))
		}
		_ = sessions[i]
	}
}
