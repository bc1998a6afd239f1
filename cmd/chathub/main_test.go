package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chathub/internal/auth"
	"chathub/internal/config"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	for _, name := range []string{"serve", "token"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Expected subcommand %q, got %v (%v)", name, cmd, err)
		}
	}
}

func TestTokenCmd_IssuesVerifiableToken(t *testing.T) {
	t.Setenv("CHATHUB_AUTH_SECRET", "cli-secret")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--user", "alice"})

	if err := root.Execute(); err != nil {
		t.Fatalf("token command failed: %v", err)
	}

	token := strings.TrimSpace(out.String())
	verifier, err := auth.NewJWTVerifier(auth.Config{Secret: []byte("cli-secret"), Issuer: "chathub"})
	if err != nil {
		t.Fatal(err)
	}
	userID, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Issued token does not verify: %v", err)
	}
	if userID != "alice" {
		t.Errorf("Expected alice, got %q", userID)
	}
}

func TestTokenCmd_RequiresUser(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token"})

	if err := root.Execute(); err == nil {
		t.Error("Expected error without --user")
	}
}

func TestIssueToken_InvalidUser(t *testing.T) {
	if err := issueToken(&bytes.Buffer{}, config.DefaultConfig(), "not valid"); err == nil {
		t.Error("Expected error for invalid user ID")
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "chathub.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestServe_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = -1

	if err := serve(context.Background(), cfg); err == nil {
		t.Error("Expected error for invalid configuration")
	}
}
