// Command bootstrap-admin seeds the first administrator account in the
// datastore so a fresh install can log in and create the station staff.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"airwave-live/internal/models"
	"airwave-live/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		email       string
		displayName string
		password    string
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (store.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&email, "email", "", "Email address for the admin account")
	flag.StringVar(&displayName, "name", "Station Manager", "Display name for the admin account")
	flag.StringVar(&password, "password", "", "Password for the admin account")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(email) == "" {
		fatalf("--email is required")
	}
	if len(password) < 8 {
		fatalf("--password must be at least 8 characters")
	}
	if strings.TrimSpace(displayName) == "" {
		fatalf("--name cannot be empty")
	}

	repo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	user, err := bootstrapAdmin(repo, strings.TrimSpace(email), strings.TrimSpace(displayName), password)
	if err != nil {
		fatalf("bootstrap admin: %v", err)
	}

	fmt.Printf("Admin user %s (%s) created successfully.\n", user.Email, user.DisplayName)
	fmt.Println("Remember to rotate this password after the first login.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewStorage(jsonPath)
	}
	return storage.NewPostgresRepository(storage.PostgresConfig{DSN: postgresDSN})
}

func closeRepository(repo storage.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.Close(ctx)
}

func bootstrapAdmin(repo storage.Repository, email, displayName, password string) (models.User, error) {
	normalizedEmail := strings.ToLower(email)
	if existing, ok := repo.FindUserByEmail(normalizedEmail); ok {
		if existing.HasRole(models.RoleAdmin) {
			return models.User{}, fmt.Errorf("user %s already exists with the admin role", existing.Email)
		}
		return models.User{}, fmt.Errorf("user %s already exists without the admin role; adjust roles through the API", existing.Email)
	}

	return repo.CreateUser(storage.CreateUserParams{
		DisplayName: displayName,
		Email:       normalizedEmail,
		Roles:       []string{models.RoleAdmin},
		Password:    password,
	})
}
