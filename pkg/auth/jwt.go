package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/pkg/clock"
)

// Claims identify the actor behind a request. Subject carries the actor id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret string
	Issuer string
	Expiry time.Duration
}

// TokenService mints and verifies HS256 bearer tokens. Identities are issued
// upstream; Mint exists for operators and tests.
type TokenService struct {
	secret []byte
	issuer string
	expiry time.Duration
	clock  clock.Clock
}

func NewTokenService(cfg Config, clk clock.Clock) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 12 * time.Hour
	}
	if clk == nil {
		clk = clock.System()
	}
	return &TokenService{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		expiry: cfg.Expiry,
		clock:  clk,
	}, nil
}

func (s *TokenService) Mint(actor model.Actor) (string, error) {
	if actor.ID == "" {
		return "", errors.New("actor id is required")
	}
	now := s.clock.Now()
	claims := Claims{
		Role: actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}

func (s *TokenService) Parse(tokenStr string) (model.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return model.Actor{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return model.Actor{}, errors.New("invalid token: missing subject")
	}
	if !model.ValidRole(claims.Role) {
		return model.Actor{}, fmt.Errorf("invalid token: unknown role %q", claims.Role)
	}
	return model.Actor{ID: claims.Subject, Role: claims.Role}, nil
}
