package main

import (
	"fmt"
	"os"
	"time"

	"github.com/therr/realtime-server-go/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: JWT_SECRET=... go run scripts/issue-token.go <userId> [userName]\n")
		os.Exit(1)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fmt.Fprintf(os.Stderr, "Error: JWT_SECRET is not set\n")
		os.Exit(1)
	}
	audience := os.Getenv("JWT_AUDIENCE")
	if audience == "" {
		audience = "therr"
	}

	identity := auth.Identity{UserID: os.Args[1]}
	if len(os.Args) > 2 {
		identity.UserName = os.Args[2]
	}

	token, err := auth.NewVerifier(secret, audience).Issue(identity, 24*time.Hour)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
}
