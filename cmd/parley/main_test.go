// ABOUTME: Tests for the parley command helpers
// ABOUTME: Covers config path resolution, token flags, token minting and the color log handler

package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/auth"
	"github.com/2389/parley/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("PARLEY_CONFIG", "/etc/parley.yaml")
	assert.Equal(t, "/etc/parley.yaml", getConfigPath())

	t.Setenv("PARLEY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "parley", "gateway.yaml"), getConfigPath())
}

func TestParseTokenArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    tokenArgs
		wantErr string
	}{
		{"user", []string{"--user", "alice"}, tokenArgs{userID: "alice", ttl: defaultTokenTTL}, ""},
		{"equals form", []string{"--user=bob", "--admin"}, tokenArgs{userID: "bob", admin: true, ttl: defaultTokenTTL}, ""},
		{"ttl", []string{"-u", "carol", "--ttl", "1h"}, tokenArgs{userID: "carol", ttl: time.Hour}, ""},
		{"ttl equals", []string{"--user", "carol", "--ttl=30m"}, tokenArgs{userID: "carol", ttl: 30 * time.Minute}, ""},
		{"missing user", []string{"--admin"}, tokenArgs{}, "--user flag is required"},
		{"dangling flag", []string{"--user"}, tokenArgs{}, "requires a value"},
		{"bad ttl", []string{"--user", "a", "--ttl", "soon"}, tokenArgs{}, "invalid --ttl"},
		{"negative ttl", []string{"--user", "a", "--ttl", "-1h"}, tokenArgs{}, "must be positive"},
		{"unknown flag", []string{"--user", "a", "--force"}, tokenArgs{}, "unknown flag"},
		{"positional", []string{"alice"}, tokenArgs{}, "unexpected argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTokenArgs(tt.args)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMintToken(t *testing.T) {
	secret := strings.Repeat("k", auth.MinSecretLength)
	cfg := &config.Config{Auth: config.AuthConfig{JWTSecret: secret}}

	var out bytes.Buffer
	require.NoError(t, mintToken(cfg, tokenArgs{userID: "alice", admin: true, ttl: time.Hour}, &out))

	verifier, err := auth.NewJWTVerifier([]byte(secret))
	require.NoError(t, err)
	claims, err := verifier.Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.True(t, claims.Admin)

	err = mintToken(&config.Config{}, tokenArgs{userID: "alice", ttl: time.Hour}, &out)
	assert.ErrorContains(t, err, "jwt_secret")
}

func TestColorHandler(t *testing.T) {
	var out bytes.Buffer
	h := &colorHandler{out: &out, mu: &sync.Mutex{}, level: slog.LevelInfo}
	logger := slog.New(h).With("component", "broker").WithGroup("req")

	logger.Debug("hidden")
	logger.Info("delivered", "topic", "/topic/online")

	line := out.String()
	assert.NotContains(t, line, "hidden")
	assert.Contains(t, line, "delivered")
	assert.Contains(t, line, "component=")
	assert.Contains(t, line, "req.topic=")
	assert.Contains(t, line, "/topic/online")
}
