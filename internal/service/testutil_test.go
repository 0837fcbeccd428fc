package service

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"groupchat/internal/config"
	"groupchat/internal/db"
	"groupchat/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testDB 连接测试数据库并清空全部表；不可用时跳过用例（沿用
// router 测试的处理方式，CI 没挂 Postgres 时测试不算失败）。
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=groupchat_test port=5432 sslmode=disable TimeZone=UTC"
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	err = gdb.Exec("TRUNCATE users, groups, memberships, messages, attachments, refresh_tokens RESTART IDENTITY CASCADE").Error
	if err != nil {
		t.Skipf("skip: truncate failed: %v", err)
	}
	return gdb
}

// fakeHub 记录服务层触发的广播，供断言。
type fakeHub struct {
	mu     sync.Mutex
	events []fakeEvent
}

type fakeEvent struct {
	GroupID uint
	Event   string
	Global  bool
	Data    interface{}
}

func (f *fakeHub) Broadcast(groupID uint, event string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeEvent{GroupID: groupID, Event: event, Data: data})
}

func (f *fakeHub) BroadcastGlobal(event string, data interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fakeEvent{Event: event, Global: true, Data: data})
}

func (f *fakeHub) Online(groupID uint) int { return 0 }

func (f *fakeHub) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Event)
	}
	return out
}

func (f *fakeHub) last() *fakeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return nil
	}
	e := f.events[len(f.events)-1]
	return &e
}

// svcSet 把一套服务和它们共享的依赖打包给测试用。
type svcSet struct {
	db      *gorm.DB
	hub     *fakeHub
	members *MembershipService
	users   *UserService
	groups  *GroupService
	msgs    *MessageService
}

func newServices(t *testing.T) *svcSet {
	t.Helper()
	gdb := testDB(t)
	hub := &fakeHub{}
	cfg := config.Config{JWTSecret: "test-secret", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7}
	members := NewMembershipService(gdb)
	return &svcSet{
		db:      gdb,
		hub:     hub,
		members: members,
		users:   NewUserService(gdb, cfg, hub),
		groups:  NewGroupService(gdb, hub, members),
		msgs:    NewMessageService(gdb, hub, members),
	}
}

var userSeq int

// createUser 直接落库一个用户，绕过注册校验。用户名和邮箱都带序号，
// 同一用例里可以用同一个前缀反复造用户而不撞唯一索引。
func createUser(t *testing.T, gdb *gorm.DB, username string) *models.User {
	t.Helper()
	userSeq++
	u := models.User{
		Username:     fmt.Sprintf("%s%d", username, userSeq),
		Email:        fmt.Sprintf("%s%d@example.com", username, userSeq),
		PasswordHash: "x",
		Status:       models.StatusOffline,
	}
	if err := gdb.Create(&u).Error; err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return &u
}

// wantKind 断言错误携带预期分类。
func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("error kind = %v (%v), want %v", got, err, kind)
	}
}
