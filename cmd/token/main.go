// Command token prints a signed bearer token for local testing and operator access.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/reklamai/backend/internal/auth"
	"github.com/reklamai/backend/internal/config"
)

func main() {
	user := flag.String("user", "", "user id (default: random)")
	role := flag.String("role", auth.RoleUser, "role claim: user or admin")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	id := uuid.New()
	if *user != "" {
		if id, err = uuid.Parse(*user); err != nil {
			slog.Error("Invalid user id", "error", err)
			os.Exit(1)
		}
	}
	tok, err := auth.NewService(cfg.JWTSecret, *ttl).IssueToken(id, *role)
	if err != nil {
		slog.Error("Issue token", "error", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
