package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	jwtpkg "minusmail/backend/internal/auth/jwt"
	"minusmail/backend/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: operator-token <operator> [scopes] [expiry]")
		fmt.Println("  scopes: comma separated, trigger,sweep or * (default *)")
		fmt.Println("  expiry: Go duration, e.g. 12h (default 24h)")
		os.Exit(1)
	}

	operator := os.Args[1]
	scopes := []string{"*"}
	if len(os.Args) >= 3 {
		scopes = parseScopes(os.Args[2])
	}
	expiry := jwtpkg.DefaultExpiry
	if len(os.Args) >= 4 {
		d, err := time.ParseDuration(os.Args[3])
		if err != nil {
			fmt.Printf("Invalid expiry: %v\n", err)
			os.Exit(1)
		}
		expiry = d
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.OperatorEnabled() {
		fmt.Println("MINUSMAIL_OPERATOR_SECRET is not set, operator endpoints are disabled")
		os.Exit(1)
	}

	manager := jwtpkg.NewManager(cfg.Operator.Secret, cfg.Operator.Issuer)
	token, err := manager.Issue(operator, expiry, scopes...)
	if err != nil {
		fmt.Printf("Failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "operator=%s scopes=%s expires=%s\n",
		operator, strings.Join(scopes, ","), time.Now().Add(expiry).Format(time.RFC3339))
	fmt.Println(token)
}

func parseScopes(s string) []string {
	var scopes []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			scopes = append(scopes, part)
		}
	}
	if len(scopes) == 0 {
		return []string{"*"}
	}
	return scopes
}
