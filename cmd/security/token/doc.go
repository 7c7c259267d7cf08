// Package token issues and verifies the gateway's hello tokens.
//
// A hello token is a PASETO v4.public token signed with an Ed25519 key. It
// carries the user id ("uid") and an expiry; the gateway holds only the public
// key and checks that the token's uid matches the user named in hello.
//
// Environment:
//   - CHAT_TOKEN_PUBLIC_KEY: hex public key; when set, chatd verifies hello tokens.
//   - CHAT_TOKEN_SECRET_KEY: hex secret key; lets a client mint its own tokens (dev).
//   - CHAT_TOKEN_ISSUER, CHAT_TOKEN_TTL, CHAT_TOKEN_CLOCK_SKEW: optional overrides.
//
// Policy:
//   - If CHAT_REQUIRE_TOKEN=true, chatd refuses to start without a public key.
package token
