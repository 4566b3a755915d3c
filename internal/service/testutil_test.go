package service

import (
	"testing"

	"github.com/PETYTH/EXPLOROUEN-sub000/internal/config"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/db"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/models"
	"github.com/PETYTH/EXPLOROUEN-sub000/internal/room"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// testDB connects to the local Postgres like the dev stack does and skips
// the test when the database is unavailable.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect(config.Load().DatabaseDSN)
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	return gdb
}

func mkUser(t *testing.T, gdb *gorm.DB, displayName string) models.User {
	t.Helper()
	u := models.User{Username: "u-" + uuid.NewString()[:18], PasswordHash: "x", DisplayName: displayName}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	t.Cleanup(func() { gdb.Delete(&models.User{}, u.ID) })
	return u
}

func mkActivity(t *testing.T, gdb *gorm.DB, organizer uint) models.Activity {
	t.Helper()
	a := models.Activity{ID: "act-" + uuid.NewString(), Title: "balade", OrganizerID: organizer}
	if err := gdb.Create(&a).Error; err != nil {
		t.Fatalf("create activity: %v", err)
	}
	t.Cleanup(func() {
		gdb.Where("activity_id = ?", a.ID).Delete(&models.Registration{})
		gdb.Where("room_id = ?", groupRoomID(t, a.ID)).Delete(&models.Message{})
		gdb.Delete(&models.Activity{}, "id = ?", a.ID)
	})
	return a
}

func mkRegistration(t *testing.T, gdb *gorm.DB, activityID string, userID uint, status string) models.Registration {
	t.Helper()
	reg := models.Registration{ActivityID: activityID, UserID: userID, Status: status}
	if err := gdb.Create(&reg).Error; err != nil {
		t.Fatalf("create registration: %v", err)
	}
	return reg
}

func groupRoomID(t *testing.T, activityID string) string {
	t.Helper()
	id, err := room.ResolveGroupRoom(activityID)
	if err != nil {
		t.Fatalf("resolve group room: %v", err)
	}
	return id
}
