package service

import (
	"testing"
	"time"

	"groupchat/internal/models"
)

func seedGroup(t *testing.T, s *svcSet) (creator, member *models.User, groupID uint) {
	t.Helper()
	creator = createUser(t, s.db, "creator")
	member = createUser(t, s.db, "member")
	group, err := s.groups.Create("general", "", false, creator.ID)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := s.groups.Join(group.ID, "", member.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	return creator, member, group.ID
}

func TestSend_RequiresMembership(t *testing.T) {
	s := newServices(t)
	_, _, groupID := seedGroup(t, s)
	stranger := createUser(t, s.db, "stranger")

	_, err := s.msgs.Send(groupID, stranger.ID, "hello", nil, nil)
	wantKind(t, err, KindForbidden)
}

func TestSend_BroadcastsReceiveMessage(t *testing.T) {
	s := newServices(t)
	_, member, groupID := seedGroup(t, s)

	msg, err := s.msgs.Send(groupID, member.ID, "hello", nil, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Username != member.Username {
		t.Errorf("username = %q, want %q", msg.Username, member.Username)
	}
	evt := s.hub.last()
	if evt == nil || evt.Event != EventReceiveMessage || evt.GroupID != groupID {
		t.Errorf("last broadcast = %+v, want ReceiveMessage to group %d", evt, groupID)
	}
}

func TestSend_ValidatesContent(t *testing.T) {
	s := newServices(t)
	_, member, groupID := seedGroup(t, s)

	_, err := s.msgs.Send(groupID, member.ID, "   ", nil, nil)
	wantKind(t, err, KindValidation)

	long := make([]byte, maxMessageLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = s.msgs.Send(groupID, member.ID, string(long), nil, nil)
	wantKind(t, err, KindValidation)
}

func TestSend_ReplyTargetMustBeInSameGroup(t *testing.T) {
	s := newServices(t)
	creator, member, groupID := seedGroup(t, s)
	otherGroup, err := s.groups.Create("other", "", false, creator.ID)
	if err != nil {
		t.Fatalf("create other group: %v", err)
	}
	foreign, err := s.msgs.Send(otherGroup.ID, creator.ID, "elsewhere", nil, nil)
	if err != nil {
		t.Fatalf("send foreign: %v", err)
	}

	_, err = s.msgs.Send(groupID, member.ID, "reply", &foreign.ID, nil)
	wantKind(t, err, KindNotFound)
}

func TestSend_ReplyTargetMustNotBeDeleted(t *testing.T) {
	s := newServices(t)
	_, member, groupID := seedGroup(t, s)
	parent, _ := s.msgs.Send(groupID, member.ID, "parent", nil, nil)
	if err := s.msgs.Delete(parent.ID, member.ID); err != nil {
		t.Fatalf("delete parent: %v", err)
	}

	_, err := s.msgs.Send(groupID, member.ID, "reply", &parent.ID, nil)
	wantKind(t, err, KindNotFound)
}

func TestDeletedParentKeepsReplies(t *testing.T) {
	// A 发 M1，B 回复 M2，A 删除 M1：回复列表仍返回 M2，
	// 群消息列表不再出现 M1。
	s := newServices(t)
	creator, member, groupID := seedGroup(t, s)
	m1, err := s.msgs.Send(groupID, creator.ID, "M1", nil, nil)
	if err != nil {
		t.Fatalf("send M1: %v", err)
	}
	m2, err := s.msgs.Send(groupID, member.ID, "M2", &m1.ID, nil)
	if err != nil {
		t.Fatalf("send M2: %v", err)
	}
	if err := s.msgs.Delete(m1.ID, creator.ID); err != nil {
		t.Fatalf("delete M1: %v", err)
	}

	replies, err := s.msgs.ListReplies(m1.ID, member.ID, 1, 50)
	if err != nil {
		t.Fatalf("ListReplies: %v", err)
	}
	if len(replies) != 1 || replies[0].ID != m2.ID {
		t.Errorf("replies = %+v, want just M2", replies)
	}

	list, err := s.msgs.ListByGroup(groupID, member.ID, 1, 50)
	if err != nil {
		t.Fatalf("ListByGroup: %v", err)
	}
	for _, m := range list {
		if m.ID == m1.ID {
			t.Error("deleted message still listed")
		}
	}
}

func TestEdit_AuthorOrAdminOnly(t *testing.T) {
	s := newServices(t)
	creator, member, groupID := seedGroup(t, s)
	other := createUser(t, s.db, "other")
	s.groups.Join(groupID, "", other.ID)
	msg, _ := s.msgs.Send(groupID, member.ID, "original", nil, nil)

	// 普通成员改不了别人的消息。
	_, err := s.msgs.Edit(msg.ID, other.ID, "hacked")
	wantKind(t, err, KindForbidden)

	// 作者本人可以。
	edited, err := s.msgs.Edit(msg.ID, member.ID, "fixed")
	if err != nil {
		t.Fatalf("Edit by author: %v", err)
	}
	if !edited.IsEdited || edited.Content != "fixed" {
		t.Errorf("edited = %+v, want is_edited + new content", edited)
	}

	// admin 也可以。
	if _, err := s.msgs.Edit(msg.ID, creator.ID, "admin fix"); err != nil {
		t.Errorf("Edit by admin: %v", err)
	}
	evt := s.hub.last()
	if evt == nil || evt.Event != EventMessageEdited {
		t.Errorf("last broadcast = %+v, want MessageEdited", evt)
	}
}

func TestDelete_ModeratorAllowedAdminAllowed(t *testing.T) {
	s := newServices(t)
	creator, member, groupID := seedGroup(t, s)
	mod := createUser(t, s.db, "mod")
	s.groups.Join(groupID, "", mod.ID)
	if err := s.groups.UpdateRole(groupID, creator.ID, mod.ID, models.RoleModerator); err != nil {
		t.Fatalf("promote: %v", err)
	}

	msg, _ := s.msgs.Send(groupID, member.ID, "to be removed", nil, nil)
	if err := s.msgs.Delete(msg.ID, mod.ID); err != nil {
		t.Fatalf("Delete by moderator: %v", err)
	}
	evt := s.hub.last()
	if evt == nil || evt.Event != EventMessageDeleted {
		t.Errorf("last broadcast = %+v, want MessageDeleted", evt)
	}

	// 已删除的消息再删报 NotFound（没有 Deleted 之外的出路）。
	err := s.msgs.Delete(msg.ID, creator.ID)
	wantKind(t, err, KindNotFound)

	// 编辑同理。
	_, err = s.msgs.Edit(msg.ID, member.ID, "resurrect")
	wantKind(t, err, KindNotFound)
}

func TestDelete_PlainMemberForbidden(t *testing.T) {
	s := newServices(t)
	_, member, groupID := seedGroup(t, s)
	other := createUser(t, s.db, "other")
	s.groups.Join(groupID, "", other.ID)
	msg, _ := s.msgs.Send(groupID, member.ID, "mine", nil, nil)

	err := s.msgs.Delete(msg.ID, other.ID)
	wantKind(t, err, KindForbidden)
}

func TestListByGroup_NewestFirstAndPaged(t *testing.T) {
	s := newServices(t)
	_, member, groupID := seedGroup(t, s)
	for _, c := range []string{"one", "two", "three"} {
		if _, err := s.msgs.Send(groupID, member.ID, c, nil, nil); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	page1, err := s.msgs.ListByGroup(groupID, member.ID, 1, 2)
	if err != nil {
		t.Fatalf("ListByGroup: %v", err)
	}
	if len(page1) != 2 || page1[0].Content != "three" || page1[1].Content != "two" {
		t.Errorf("page1 = %+v, want [three two]", page1)
	}
	page2, err := s.msgs.ListByGroup(groupID, member.ID, 2, 2)
	if err != nil {
		t.Fatalf("ListByGroup page2: %v", err)
	}
	if len(page2) != 1 || page2[0].Content != "one" {
		t.Errorf("page2 = %+v, want [one]", page2)
	}
}

func TestListReplies_OldestFirst(t *testing.T) {
	s := newServices(t)
	_, member, groupID := seedGroup(t, s)
	parent, _ := s.msgs.Send(groupID, member.ID, "parent", nil, nil)
	r1, _ := s.msgs.Send(groupID, member.ID, "first", &parent.ID, nil)
	r2, _ := s.msgs.Send(groupID, member.ID, "second", &parent.ID, nil)

	replies, err := s.msgs.ListReplies(parent.ID, member.ID, 1, 50)
	if err != nil {
		t.Fatalf("ListReplies: %v", err)
	}
	if len(replies) != 2 || replies[0].ID != r1.ID || replies[1].ID != r2.ID {
		t.Errorf("replies = %+v, want oldest first", replies)
	}
}

func TestSearch_Filters(t *testing.T) {
	s := newServices(t)
	creator, member, groupID := seedGroup(t, s)
	s.msgs.Send(groupID, creator.ID, "deployment plan", nil, nil)
	s.msgs.Send(groupID, member.ID, "lunch plan", nil, nil)
	s.msgs.Send(groupID, member.ID, "random note", nil, nil)

	byText, err := s.msgs.Search(groupID, member.ID, SearchFilter{Text: "plan"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byText) != 2 {
		t.Errorf("text search hits = %d, want 2", len(byText))
	}

	byAuthor, err := s.msgs.Search(groupID, member.ID, SearchFilter{Text: "plan", AuthorID: creator.ID})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byAuthor) != 1 || byAuthor[0].Content != "deployment plan" {
		t.Errorf("author search = %+v, want [deployment plan]", byAuthor)
	}

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	byRange, err := s.msgs.Search(groupID, member.ID, SearchFilter{From: &past, To: &future})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byRange) != 3 {
		t.Errorf("range search hits = %d, want 3", len(byRange))
	}

	empty, err := s.msgs.Search(groupID, member.ID, SearchFilter{From: &future})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("future-from search hits = %d, want 0", len(empty))
	}
}

func TestSearch_WildcardsMatchLiterally(t *testing.T) {
	s := newServices(t)
	_, member, groupID := seedGroup(t, s)
	s.msgs.Send(groupID, member.ID, "ship_it now", nil, nil)
	s.msgs.Send(groupID, member.ID, "shipXit now", nil, nil)
	s.msgs.Send(groupID, member.ID, "100% sure", nil, nil)
	s.msgs.Send(groupID, member.ID, "100 sure", nil, nil)

	// 检索词里的 _ 和 % 是字面字符，不是 LIKE 通配符。
	byUnderscore, err := s.msgs.Search(groupID, member.ID, SearchFilter{Text: "ship_it"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byUnderscore) != 1 || byUnderscore[0].Content != "ship_it now" {
		t.Errorf("underscore search = %+v, want only the literal match", byUnderscore)
	}

	byPercent, err := s.msgs.Search(groupID, member.ID, SearchFilter{Text: "100%"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(byPercent) != 1 || byPercent[0].Content != "100% sure" {
		t.Errorf("percent search = %+v, want only the literal match", byPercent)
	}
}

func TestSearch_RequiresMembership(t *testing.T) {
	s := newServices(t)
	_, _, groupID := seedGroup(t, s)
	stranger := createUser(t, s.db, "stranger")

	_, err := s.msgs.Search(groupID, stranger.ID, SearchFilter{Text: "x"})
	wantKind(t, err, KindForbidden)
	_, err = s.msgs.ListByGroup(groupID, stranger.ID, 1, 50)
	wantKind(t, err, KindForbidden)
}
