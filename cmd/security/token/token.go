package token

import (
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

const claimUserID = "uid"

// Claims is what a verified hello token asserts.
type Claims struct {
	UserID    string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer mints hello tokens.
type Issuer struct {
	issuer string
	ttl    time.Duration
	secret paseto.V4AsymmetricSecretKey
}

// NewIssuer builds an Issuer from a hex-encoded Ed25519 secret key.
func NewIssuer(cfg Config) (*Issuer, error) {
	if strings.TrimSpace(cfg.SecretKeyHex) == "" {
		return nil, ErrKeyMissing
	}
	if cfg.TTL <= 0 || cfg.Issuer == "" {
		return nil, ErrConfig
	}
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(strings.TrimSpace(cfg.SecretKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	return &Issuer{issuer: cfg.Issuer, ttl: cfg.TTL, secret: secret}, nil
}

// PublicKeyHex is the key a Verifier needs.
func (i *Issuer) PublicKeyHex() string { return i.secret.Public().ExportHex() }

// Issue returns a token for userID valid from now until now+TTL.
func (i *Issuer) Issue(userID string, now time.Time) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(i.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(i.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	if err := tok.Set(claimUserID, userID); err != nil {
		return "", time.Time{}, err
	}
	return tok.V4Sign(i.secret, nil), exp, nil
}

// Verifier checks hello tokens against a public key.
type Verifier struct {
	issuer    string
	clockSkew time.Duration
	public    paseto.V4AsymmetricPublicKey
}

// NewVerifier builds a Verifier from a hex-encoded Ed25519 public key.
func NewVerifier(cfg Config) (*Verifier, error) {
	if strings.TrimSpace(cfg.PublicKeyHex) == "" {
		return nil, ErrKeyMissing
	}
	if cfg.Issuer == "" || cfg.ClockSkew < 0 {
		return nil, ErrConfig
	}
	public, err := paseto.NewV4AsymmetricPublicKeyFromHex(strings.TrimSpace(cfg.PublicKeyHex))
	if err != nil {
		return nil, ErrConfig
	}
	return &Verifier{issuer: cfg.Issuer, clockSkew: cfg.ClockSkew, public: public}, nil
}

// Verify parses tok and enforces issuer, not-before and expiry at now.
func (v *Verifier) Verify(tok string, now time.Time) (Claims, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return Claims{}, ErrInvalidToken
	}

	// Validating slightly in the future tolerates "nbf" skew and makes expiry stricter.
	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(v.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(now.Add(v.clockSkew)))

	parsed, err := p.ParseV4Public(v.public, tok, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	uid, err := parsed.GetString(claimUserID)
	if err != nil || strings.TrimSpace(uid) == "" {
		return Claims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()
	exp, _ := parsed.GetExpiration()
	return Claims{UserID: uid, Issuer: iss, IssuedAt: iat, ExpiresAt: exp}, nil
}

// GenerateKeyPair returns a fresh hex-encoded Ed25519 key pair.
func GenerateKeyPair() (secretHex, publicHex string) {
	secret := paseto.NewV4AsymmetricSecretKey()
	return secret.ExportHex(), secret.Public().ExportHex()
}
