package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/PETYTH/EXPLOROUEN-sub000/internal/models"
)

func TestAppend_PersistsAndListsLast(t *testing.T) {
	gdb := testDB(t)
	svc := NewMessageService(gdb, NewMemberService(gdb))

	author := mkUser(t, gdb, "Alice")
	act := mkActivity(t, gdb, author.ID)
	mkRegistration(t, gdb, act.ID, author.ID, models.RegistrationAccepted)
	roomID := groupRoomID(t, act.ID)

	dto, err := svc.Append(roomID, author.ID, models.MessageText, "bonjour", "")
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if dto.ID == "" || dto.CreatedAt.IsZero() {
		t.Fatalf("Append() returned incomplete message: %+v", dto)
	}
	if dto.AuthorName != "Alice" {
		t.Errorf("Append() AuthorName = %q, want Alice", dto.AuthorName)
	}

	msgs, _, err := svc.List(roomID, "", 50)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].ID != dto.ID {
		t.Errorf("appended message should be the last listed element")
	}
}

func TestAppend_Unauthorized(t *testing.T) {
	gdb := testDB(t)
	svc := NewMessageService(gdb, NewMemberService(gdb))

	organizer := mkUser(t, gdb, "")
	stranger := mkUser(t, gdb, "")
	act := mkActivity(t, gdb, organizer.ID)
	roomID := groupRoomID(t, act.ID)

	if _, err := svc.Append(roomID, stranger.ID, models.MessageText, "hi", ""); !errors.Is(err, ErrNotMember) {
		t.Errorf("Append() by non-registrant error = %v, want ErrNotMember", err)
	}
}

func TestAppend_Revocation(t *testing.T) {
	gdb := testDB(t)
	svc := NewMessageService(gdb, NewMemberService(gdb))

	u := mkUser(t, gdb, "")
	act := mkActivity(t, gdb, u.ID)
	reg := mkRegistration(t, gdb, act.ID, u.ID, models.RegistrationAccepted)
	roomID := groupRoomID(t, act.ID)

	if _, err := svc.Append(roomID, u.ID, models.MessageText, "first", ""); err != nil {
		t.Fatalf("Append() before revocation error = %v", err)
	}

	// 报名被移除后，成员解析不缓存，下一次 append 必须立刻失败。
	if err := gdb.Delete(&models.Registration{}, reg.ID).Error; err != nil {
		t.Fatalf("delete registration: %v", err)
	}
	if _, err := svc.Append(roomID, u.ID, models.MessageText, "second", ""); !errors.Is(err, ErrNotMember) {
		t.Errorf("Append() after revocation error = %v, want ErrNotMember", err)
	}
}

func TestAppend_Validation(t *testing.T) {
	gdb := testDB(t)
	svc := NewMessageService(gdb, NewMemberService(gdb))

	u := mkUser(t, gdb, "")
	act := mkActivity(t, gdb, u.ID)
	mkRegistration(t, gdb, act.ID, u.ID, models.RegistrationAccepted)
	roomID := groupRoomID(t, act.ID)

	tests := []struct {
		name     string
		mtype    string
		content  string
		mediaRef string
	}{
		{"empty text", models.MessageText, "   ", ""},
		{"image without media ref", models.MessageImage, "", ""},
		{"video without media ref", models.MessageVideo, "", ""},
		{"unknown type", "STICKER", "x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Append(roomID, u.ID, tt.mtype, tt.content, tt.mediaRef); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("Append() error = %v, want ErrInvalidMessage", err)
			}
		})
	}

	// 带 mediaRef 的图片消息合法，内容可为空。
	if _, err := svc.Append(roomID, u.ID, models.MessageImage, "", "media/abc.jpg"); err != nil {
		t.Errorf("Append() image with media ref error = %v", err)
	}
}

func TestList_CursorPagination(t *testing.T) {
	gdb := testDB(t)
	svc := NewMessageService(gdb, NewMemberService(gdb))

	u := mkUser(t, gdb, "")
	act := mkActivity(t, gdb, u.ID)
	mkRegistration(t, gdb, act.ID, u.ID, models.RegistrationAccepted)
	roomID := groupRoomID(t, act.ID)

	want := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		dto, err := svc.Append(roomID, u.ID, models.MessageText, "n", "")
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		want = append(want, dto.ID)
	}

	var got []string
	cursor := ""
	for {
		page, next, err := svc.List(roomID, cursor, 2)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		for _, m := range page {
			got = append(got, m.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if len(got) != len(want) {
		t.Fatalf("paged ids = %d, want %d (no skips, no duplicates)", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("page order mismatch at %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestAppend_ConcurrentWriters(t *testing.T) {
	gdb := testDB(t)
	svc := NewMessageService(gdb, NewMemberService(gdb))

	act := mkActivity(t, gdb, mkUser(t, gdb, "").ID)
	roomID := groupRoomID(t, act.ID)

	// 多名成员同时写同一房间：每条消息都必须落库、id 唯一，
	// 且读出顺序与 (created_at, id) 一致。
	const writers = 4
	const perWriter = 5
	users := make([]models.User, writers)
	for i := range users {
		users[i] = mkUser(t, gdb, "")
		mkRegistration(t, gdb, act.ID, users[i].ID, models.RegistrationAccepted)
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(u models.User) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				if _, err := svc.Append(roomID, u.ID, models.MessageText, "c", ""); err != nil {
					errs <- err
				}
			}
		}(users[i])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Append() error = %v", err)
	}

	got, _, err := svc.List(roomID, "", writers*perWriter+1)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != writers*perWriter {
		t.Fatalf("stored messages = %d, want %d", len(got), writers*perWriter)
	}
	seen := make(map[string]bool, len(got))
	for i, m := range got {
		if seen[m.ID] {
			t.Fatalf("duplicate message id %s", m.ID)
		}
		seen[m.ID] = true
		if i == 0 {
			continue
		}
		prev := got[i-1]
		if m.CreatedAt.Before(prev.CreatedAt) {
			t.Fatalf("created_at out of order at %d: %v before %v", i, m.CreatedAt, prev.CreatedAt)
		}
		if m.CreatedAt.Equal(prev.CreatedAt) && m.ID <= prev.ID {
			t.Fatalf("id does not break the created_at tie at %d: %s after %s", i, m.ID, prev.ID)
		}
	}
}

func TestList_InvalidCursor(t *testing.T) {
	gdb := testDB(t)
	svc := NewMessageService(gdb, NewMemberService(gdb))
	if _, _, err := svc.List("activity:whatever", "!!!not-base64!!!", 10); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("List() with bad cursor error = %v, want ErrInvalidMessage", err)
	}
}

func TestListSince(t *testing.T) {
	gdb := testDB(t)
	svc := NewMessageService(gdb, NewMemberService(gdb))

	u := mkUser(t, gdb, "")
	act := mkActivity(t, gdb, u.ID)
	mkRegistration(t, gdb, act.ID, u.ID, models.RegistrationAccepted)
	roomID := groupRoomID(t, act.ID)

	anchor, err := svc.Append(roomID, u.ID, models.MessageText, "seen", "")
	if err != nil {
		t.Fatal(err)
	}
	m1, _ := svc.Append(roomID, u.ID, models.MessageText, "missed 1", "")
	m2, _ := svc.Append(roomID, u.ID, models.MessageText, "missed 2", "")

	got, err := svc.ListSince(roomID, anchor.ID)
	if err != nil {
		t.Fatalf("ListSince() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != m1.ID || got[1].ID != m2.ID {
		t.Errorf("ListSince() = %v, want exactly [%s %s]", got, m1.ID, m2.ID)
	}
}

func TestListSince_StaleAnchor(t *testing.T) {
	gdb := testDB(t)
	svc := NewMessageService(gdb, NewMemberService(gdb))

	u := mkUser(t, gdb, "")
	act := mkActivity(t, gdb, u.ID)
	mkRegistration(t, gdb, act.ID, u.ID, models.RegistrationAccepted)
	roomID := groupRoomID(t, act.ID)

	if _, err := svc.ListSince(roomID, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrStaleSince) {
		t.Errorf("ListSince() with unknown anchor error = %v, want ErrStaleSince", err)
	}
}
