package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"duochat/cmd/security/token"
)

// Config drives one terminal chat session.
type Config struct {
	// GatewayURL is the chatd /ws endpoint. Empty runs against a private in-memory store.
	GatewayURL string
	UserID     string
	Origin     string
	Token      string

	// JoinRoom and JoinConversation select an existing room; empty starts a new one.
	JoinRoom         string
	JoinConversation string

	LogLevel    string
	DialTimeout time.Duration
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// ParseFlags builds a Config from args, with CHAT_* environment defaults.
func ParseFlags(args []string, stderr io.Writer) (Config, error) {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var cfg Config
	var join string
	fs.StringVar(&cfg.GatewayURL, "url", envOr("CHAT_GATEWAY_URL", ""), "gateway WebSocket URL (empty: local in-memory store)")
	fs.StringVar(&cfg.UserID, "user", envOr("CHAT_USER", ""), "user id to sign in as")
	fs.StringVar(&cfg.Origin, "origin", envOr("CHAT_ORIGIN", "http://localhost"), "Origin header for the WebSocket handshake")
	fs.StringVar(&cfg.Token, "token", envOr("CHAT_TOKEN", ""), "hello token (minted from "+token.EnvSecretKey+" when empty)")
	fs.StringVar(&join, "join", "", "join an existing room: <room_id>/<conversation_id>")
	fs.StringVar(&cfg.LogLevel, "log-level", envOr("CHAT_LOG_LEVEL", "warn"), "log level")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", 10*time.Second, "gateway dial timeout")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return Config{}, errors.New("missing -user (or CHAT_USER)")
	}
	if join != "" {
		room, conv, ok := strings.Cut(join, "/")
		if !ok || room == "" || conv == "" {
			return Config{}, fmt.Errorf("invalid -join %q: want <room_id>/<conversation_id>", join)
		}
		cfg.JoinRoom, cfg.JoinConversation = room, conv
	}
	if cfg.Token == "" {
		tok, err := token.IssueFromEnv(cfg.UserID, time.Now().UTC())
		if err != nil {
			return Config{}, fmt.Errorf("mint token: %w", err)
		}
		cfg.Token = tok
	}
	return cfg, nil
}
