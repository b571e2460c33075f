// seed-users creates or updates login accounts from a JSON file.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/seed-users -file users.json
//
// The file holds an array of {"username","name","password","role","department","is_super_user"}.
// A single account can also be given with -username/-name/-role and SEED_PASSWORD.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mmdatafocus/qms_backend/config"
	"github.com/mmdatafocus/qms_backend/models"
)

func main() {
	file := flag.String("file", "", "JSON file with an array of users")
	username := flag.String("username", "", "single user: username")
	name := flag.String("name", "", "single user: display name")
	role := flag.String("role", string(models.UserRoleQA), "single user: QA, SECTION or DQMR")
	department := flag.String("department", "", "single user: department (required for SECTION)")
	superUser := flag.Bool("super-user", false, "single user: grant the edit-mode override")
	flag.Parse()

	users, err := loadUsers(*file, models.NewUser{
		Username:    strings.TrimSpace(*username),
		Name:        strings.TrimSpace(*name),
		Password:    os.Getenv("SEED_PASSWORD"),
		Role:        models.UserRole(strings.ToUpper(strings.TrimSpace(*role))),
		Department:  models.Department(strings.TrimSpace(*department)),
		IsSuperUser: *superUser,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	if err := models.MigrateTable(db); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	failed := 0
	for _, in := range users {
		u, err := models.CreateOrUpdateUser(ctx, db, in)
		if err != nil {
			fmt.Fprintf(os.Stderr, "user %q: %v\n", in.Username, err)
			failed++
			continue
		}
		fmt.Printf("user %s (%s) id=%d ok\n", u.Username, u.Role, u.ID)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func loadUsers(path string, single models.NewUser) ([]models.NewUser, error) {
	if path == "" {
		if single.Username == "" || single.Password == "" {
			return nil, fmt.Errorf("-file or -username with SEED_PASSWORD is required")
		}
		if single.Name == "" {
			single.Name = single.Username
		}
		return []models.NewUser{single}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var users []models.NewUser
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%s has no users", path)
	}
	return users, nil
}
