// Package auth provides bearer tokens for the streaming and REST endpoints.
package auth

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TokenProvider supplies a bearer token before each connection attempt.
// A failed fetch is treated by the Connection Manager like a failed dial
// and retried under the same reconnection policy.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("empty token")
	}
	return string(t), nil
}

// FileToken reads the token from a file on every call, so a rotated
// token is picked up on the next reconnect without a restart.
type FileToken struct {
	Path string
}

func (f FileToken) Token(ctx context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", f.Path)
	}
	return token, nil
}

// TokenFunc adapts a function to the TokenProvider interface.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}
