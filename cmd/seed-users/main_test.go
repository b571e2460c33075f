package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mmdatafocus/qms_backend/models"
)

func TestLoadUsersSingle(t *testing.T) {
	users, err := loadUsers("", models.NewUser{Username: "qa1", Password: "longenough", Role: models.UserRoleQA})
	if err != nil {
		t.Fatalf("loadUsers: %v", err)
	}
	if len(users) != 1 || users[0].Name != "qa1" {
		t.Fatalf("unexpected users: %+v", users)
	}

	if _, err := loadUsers("", models.NewUser{Username: "qa1"}); err == nil {
		t.Fatalf("expected error without password")
	}
}

func TestLoadUsersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.json")
	body := `[{"username":"lab","name":"Lab Head","password":"longenough","role":"SECTION","department":"Laboratory"}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	users, err := loadUsers(path, models.NewUser{})
	if err != nil {
		t.Fatalf("loadUsers: %v", err)
	}
	if len(users) != 1 || users[0].Role != models.UserRoleSection || users[0].Department != "Laboratory" {
		t.Fatalf("unexpected users: %+v", users)
	}

	empty := filepath.Join(dir, "empty.json")
	_ = os.WriteFile(empty, []byte(`[]`), 0o600)
	if _, err := loadUsers(empty, models.NewUser{}); err == nil {
		t.Fatalf("expected error for empty file")
	}
}
