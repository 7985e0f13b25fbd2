// This command is only used for local testing: it mints a signed access
// token for a chosen user so that protected routes on a local server can be
// exercised with curl.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/bookgraph/bookgraph/internal/identity"
	"github.com/bookgraph/bookgraph/internal/token"
)

type Config struct {
	Secret   string `env:"AUTH_TOKEN_SECRET, required"`
	UserID   string `env:"MINT_USER_ID, default=local-user"`
	Username string `env:"MINT_USERNAME, default=local"`
	Email    string `env:"MINT_EMAIL, default=local@example.com"`
	TTLMins  int    `env:"MINT_TTL_MINS, default=60"`
}

func main() {
	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	ttl := time.Duration(cfg.TTLMins) * time.Minute
	authority := token.NewAuthority([]byte(cfg.Secret), ttl, ttl)

	signed, _, err := authority.Issue(identity.Principal{
		ID:        cfg.UserID,
		Username:  cfg.Username,
		Email:     cfg.Email,
		CreatedAt: time.Now().UTC(),
	}, token.KindAccess)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error signing token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(signed)
}
