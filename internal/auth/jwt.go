package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"chathub/pkg/types"
)

// Config controls token signing and verification.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
	Leeway   time.Duration
}

// JWTVerifier verifies HMAC-signed tokens whose subject is the user ID.
type JWTVerifier struct {
	cfg Config
	now func() time.Time
}

// NewJWTVerifier creates a verifier. TTL defaults to two hours.
func NewJWTVerifier(cfg Config) (*JWTVerifier, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Hour
	}
	return &JWTVerifier{cfg: cfg, now: time.Now}, nil
}

// Verify returns the user ID carried by token. Any failure is reported as
// ErrUnauthenticated.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.WithMessage(ErrUnauthenticated, "missing token")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Wrapf(ErrUnsupportedMethod, "alg %v", t.Header["alg"])
		}
		return v.cfg.Secret, nil
	}, opts...)
	if err != nil {
		return "", errors.WithMessage(ErrUnauthenticated, err.Error())
	}
	if !parsed.Valid {
		return "", errors.WithMessage(ErrUnauthenticated, "invalid token")
	}

	if !types.IsValidUserID(claims.Subject) {
		return "", errors.WithMessagef(ErrUnauthenticated, "invalid subject %q", claims.Subject)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID that expires after the configured TTL.
func (v *JWTVerifier) Issue(userID string) (string, time.Time, error) {
	if !types.IsValidUserID(userID) {
		return "", time.Time{}, types.ErrInvalidUserID
	}

	now := v.now()
	exp := now.Add(v.cfg.TTL)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	if v.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.cfg.Secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}
