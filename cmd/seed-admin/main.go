package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/playmatatu/arbiter/internal/admin"
	"github.com/playmatatu/arbiter/internal/config"
	"github.com/playmatatu/arbiter/internal/database"
	"github.com/playmatatu/arbiter/internal/logging"
	"github.com/playmatatu/arbiter/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL, database.PoolConfig{MaxOpen: 2, MaxIdle: 1})
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	st := postgres.New(db)
	defer st.Close()

	id := os.Getenv("ADMIN_ID")
	if id == "" {
		id = "admin"
		log.Infow("using default admin id", "admin_id", id)
	}

	token := os.Getenv("ADMIN_TOKEN")
	if token == "" {
		if !cfg.IsDevelopment() {
			log.Fatal("ADMIN_TOKEN is required outside development")
		}
		token = "change-me-in-production"
		log.Warn("using default admin token; set ADMIN_TOKEN")
	}

	roles := []string{"super_admin"}
	if r := os.Getenv("ADMIN_ROLES"); r != "" {
		roles = strings.Split(r, ",")
	}

	if err := admin.CreateOrUpdate(ctx, st, id, "Admin", token, roles); err != nil {
		log.Fatalw("failed to create admin account", "error", err)
	}
	log.Infow("admin account created/updated", "admin_id", id, "roles", roles)
}
