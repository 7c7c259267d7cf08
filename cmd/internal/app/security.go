package app

import (
	"errors"
	"fmt"

	"duochat/cmd/security/token"
)

// tokenVerifier enforces the hello-token policy at startup and returns the
// verifier the gateway checks hellos with (nil disables verification).
func tokenVerifier(cfg Config) (*token.Verifier, error) {
	tcfg, err := token.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("security policy: CHAT_TOKEN_*: %w", err)
	}
	v, err := token.NewVerifier(tcfg)
	switch {
	case err == nil:
		return v, nil
	case !cfg.RequireToken && errors.Is(err, token.ErrKeyMissing):
		return nil, nil
	case errors.Is(err, token.ErrKeyMissing):
		return nil, fmt.Errorf("security policy: CHAT_REQUIRE_TOKEN=true but %s is missing", token.EnvPublicKey)
	default:
		return nil, fmt.Errorf("security policy: %s: %w", token.EnvPublicKey, err)
	}
}
