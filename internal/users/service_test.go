package users

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/JullianMQ/lifeline/internal/identity"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Identity{}, &EmergencyContact{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestTouchCreatesAndRefreshesIdentity(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	if _, err := service.Touch(ctx, identity.Identity{UserID: "  "}); err != ErrInvalidIdentity {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}

	record, err := service.Touch(ctx, identity.Identity{UserID: "user-1", Name: "Ana", Phone: "+63 917 555 0101", Role: "mutual"})
	if err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if record.Phone != "+639175550101" {
		t.Fatalf("expected normalized phone, got %q", record.Phone)
	}

	if _, err := service.Touch(ctx, identity.Identity{UserID: "user-1", Name: "Ana Cruz", Phone: "+639175550101"}); err != nil {
		t.Fatalf("second touch failed: %v", err)
	}
	var stored []Identity
	if err := db.Find(&stored).Error; err != nil {
		t.Fatalf("failed to load identities: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("expected a single identity row, got %d", len(stored))
	}
	if stored[0].Name != "Ana Cruz" || stored[0].Role != "mutual" {
		t.Fatalf("unexpected stored identity %+v", stored[0])
	}
}

func TestEmergencyContactLookups(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	contacts := []EmergencyContact{
		{OwnerUserID: "owner-a", Name: "Second", Phone: "+15550000002", Email: "second@example.com", Priority: 2},
		{OwnerUserID: "owner-a", Name: "First", Phone: "+15550000001", Email: "first@example.com", Priority: 1},
		{OwnerUserID: "owner-b", Name: "Shared", Phone: "+15550000001"},
	}
	if err := db.Create(&contacts).Error; err != nil {
		t.Fatalf("failed to seed contacts: %v", err)
	}

	listed, err := service.EmergencyContacts(ctx, "owner-a")
	if err != nil {
		t.Fatalf("list contacts: %v", err)
	}
	if len(listed) != 2 || listed[0].Name != "First" {
		t.Fatalf("expected priority ordering, got %+v", listed)
	}

	phones, err := service.ContactPhones(ctx, "owner-a")
	if err != nil {
		t.Fatalf("contact phones: %v", err)
	}
	if !reflect.DeepEqual(phones, []string{"+15550000001", "+15550000002"}) {
		t.Fatalf("unexpected phones %v", phones)
	}

	owners, err := service.ProtectedUserIDs(ctx, "+1 (555) 000-0001")
	if err != nil {
		t.Fatalf("protected users: %v", err)
	}
	if !reflect.DeepEqual(owners, []string{"owner-a", "owner-b"}) {
		t.Fatalf("unexpected protected users %v", owners)
	}

	ok, err := service.IsEmergencyContact(ctx, "owner-b", "+15550000002")
	if err != nil {
		t.Fatalf("is contact: %v", err)
	}
	if ok {
		t.Fatalf("owner-b does not list +15550000002")
	}
	ok, err = service.IsEmergencyContact(ctx, "owner-a", "+15550000002")
	if err != nil || !ok {
		t.Fatalf("expected owner-a to list +15550000002, got %v %v", ok, err)
	}
}
