package service

import (
	"testing"
	"time"

	"groupchat/internal/models"
)

func TestGetRole_ActiveApprovedRowOnly(t *testing.T) {
	s := newServices(t)
	creator := createUser(t, s.db, "creator")
	group, err := s.groups.Create("general", "", false, creator.ID)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	role, err := s.members.GetRole(creator.ID, group.ID)
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if role != models.RoleAdmin {
		t.Errorf("creator role = %q, want %q", role, models.RoleAdmin)
	}

	stranger := createUser(t, s.db, "stranger")
	role, err = s.members.GetRole(stranger.ID, group.ID)
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if role != "" {
		t.Errorf("non-member role = %q, want empty", role)
	}
}

func TestGetRole_IgnoresPendingBannedAndDeletedRows(t *testing.T) {
	s := newServices(t)
	creator := createUser(t, s.db, "creator")
	group, err := s.groups.Create("general", "", false, creator.ID)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	tests := []struct {
		name string
		row  models.Membership
	}{
		{"pending approval", models.Membership{Role: models.RoleMember, IsApproved: false}},
		{"banned", models.Membership{Role: models.RoleMember, IsApproved: true, IsBanned: true}},
		{"soft deleted", models.Membership{Role: models.RoleMember, IsApproved: true, IsDeleted: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := createUser(t, s.db, "u")
			row := tt.row
			row.GroupID = group.ID
			row.UserID = u.ID
			row.JoinedAt = time.Now()
			if err := s.db.Create(&row).Error; err != nil {
				t.Fatalf("insert membership: %v", err)
			}
			role, err := s.members.GetRole(u.ID, group.ID)
			if err != nil {
				t.Fatalf("GetRole: %v", err)
			}
			if role != "" {
				t.Errorf("role = %q, want empty", role)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	s := newServices(t)
	creator := createUser(t, s.db, "creator")
	member := createUser(t, s.db, "member")
	group, err := s.groups.Create("general", "", false, creator.ID)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := s.groups.Join(group.ID, "", member.ID); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := s.members.RequireRole(creator.ID, group.ID, models.RoleAdmin); err != nil {
		t.Errorf("admin RequireRole(admin) failed: %v", err)
	}
	_, err = s.members.RequireRole(member.ID, group.ID, models.RoleAdmin, models.RoleModerator)
	wantKind(t, err, KindForbidden)

	stranger := createUser(t, s.db, "stranger")
	_, err = s.members.RequireMember(stranger.ID, group.ID)
	wantKind(t, err, KindForbidden)
}

func TestCanActOn(t *testing.T) {
	tests := []struct {
		caller string
		target string
		want   bool
	}{
		{models.RoleAdmin, models.RoleAdmin, true},
		{models.RoleAdmin, models.RoleModerator, true},
		{models.RoleAdmin, models.RoleMember, true},
		{models.RoleModerator, models.RoleMember, true},
		{models.RoleModerator, models.RoleModerator, false},
		{models.RoleModerator, models.RoleAdmin, false},
		{models.RoleMember, models.RoleMember, false},
		{models.RoleMember, models.RoleAdmin, false},
	}
	for _, tt := range tests {
		if got := CanActOn(tt.caller, tt.target); got != tt.want {
			t.Errorf("CanActOn(%s, %s) = %v, want %v", tt.caller, tt.target, got, tt.want)
		}
	}
}
