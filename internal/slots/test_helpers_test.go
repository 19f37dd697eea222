package slots

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.ChangeEvent
}

func (p *recordingPublisher) PublishChange(event realtime.ChangeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) snapshot() []realtime.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.ChangeEvent(nil), p.events...)
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type staticProfiles map[string]string

func (p staticProfiles) DisplayNames(_ context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	for _, userID := range userIDs {
		if name, ok := p[userID]; ok {
			names[userID] = name
		}
	}
	return names, nil
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("id-%04d", p.next), nil
}

type serviceFixture struct {
	service   *Service
	db        *gorm.DB
	publisher *recordingPublisher
}

func newFixture(t *testing.T, mutate func(*ServiceConfig)) serviceFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Group{}, &Membership{}, &Store{}, &Machine{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	publisher := &recordingPublisher{}
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var tick int64
	cfg := ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDs{},
		Publisher:  publisher,
		Profiles:   staticProfiles{"alice": "Alice", "bob": "Bob", "carol": "Carol"},
		Clock: func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Millisecond)
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return serviceFixture{service: service, db: db, publisher: publisher}
}

// groupWithMembers creates a group led by leader with each of members approved.
func (f serviceFixture) groupWithMembers(t *testing.T, leader string, members ...string) Group {
	t.Helper()
	ctx := context.Background()
	group, err := f.service.CreateGroup(ctx, leader, "Team "+leader)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	for _, member := range members {
		result, err := f.service.JoinGroupByCode(ctx, member, group.InviteCode)
		if err != nil || !result.Success {
			t.Fatalf("join group: %v %#v", err, result)
		}
		var membership Membership
		if err := f.db.Where("group_id = ? AND user_id = ?", group.ID, member).Take(&membership).Error; err != nil {
			t.Fatalf("load membership: %v", err)
		}
		if _, err := f.service.ApproveMember(ctx, leader, group.ID, membership.ID); err != nil {
			t.Fatalf("approve member: %v", err)
		}
	}
	return group
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	serviceErr, ok := err.(*ServiceError)
	if !ok {
		t.Fatalf("expected *ServiceError, got %T (%v)", err, err)
	}
	if serviceErr.Code() != code {
		t.Fatalf("expected code %q, got %q", code, serviceErr.Code())
	}
}
