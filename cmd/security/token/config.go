package token

import (
	"errors"
	"os"
	"strings"
	"time"
)

// Env var names.
// #nosec G101 -- variable names, not credentials.
const (
	EnvPublicKey = "CHAT_TOKEN_PUBLIC_KEY"
	EnvSecretKey = "CHAT_TOKEN_SECRET_KEY"
	EnvIssuer    = "CHAT_TOKEN_ISSUER"
	EnvTTL       = "CHAT_TOKEN_TTL"
	EnvClockSkew = "CHAT_TOKEN_CLOCK_SKEW"
)

// Config carries the token keys and validation rules.
type Config struct {
	Issuer    string
	TTL       time.Duration
	ClockSkew time.Duration

	// Hex-encoded Ed25519 keys. Verifiers need only the public key.
	PublicKeyHex string
	SecretKeyHex string
}

// DefaultConfig has no keys; set them before building an Issuer or Verifier.
func DefaultConfig() Config {
	return Config{
		Issuer:    "duochat",
		TTL:       15 * time.Minute,
		ClockSkew: 30 * time.Second,
	}
}

// ConfigFromEnv overlays CHAT_TOKEN_* variables on DefaultConfig.
// Malformed durations are ErrConfig; missing keys are left empty.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	cfg.PublicKeyHex = strings.TrimSpace(os.Getenv(EnvPublicKey))
	cfg.SecretKeyHex = strings.TrimSpace(os.Getenv(EnvSecretKey))

	if v := strings.TrimSpace(os.Getenv(EnvIssuer)); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTTL)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.TTL = d
	}
	if v := strings.TrimSpace(os.Getenv(EnvClockSkew)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}
	return cfg, nil
}

// IssueFromEnv mints a token for userID with CHAT_TOKEN_SECRET_KEY. It
// returns "" and no error when no secret key is configured.
func IssueFromEnv(userID string, now time.Time) (string, error) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return "", err
	}
	iss, err := NewIssuer(cfg)
	if errors.Is(err, ErrKeyMissing) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	tok, _, err := iss.Issue(userID, now)
	return tok, err
}
