// Package auth issues and validates operator tokens for the ops endpoints.
// Agents never use these; they authenticate with their API key.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Issuer       = "clawtask-ops"
	RoleOperator = "operator"
)

var (
	ErrNoSecret     = errors.New("operator jwt secret is not configured")
	ErrInvalidToken = errors.New("invalid operator token")
)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Operator is the identity carried by a valid token.
type Operator struct {
	Subject   string
	ExpiresAt time.Time
}

type Service interface {
	Issue(subject string, ttl time.Duration) (string, error)
	Validate(token string) (*Operator, error)
}

type service struct {
	secret []byte
	now    func() time.Time
}

func NewService(secret string) Service {
	return &service{secret: []byte(secret), now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

func (s *service) Issue(subject string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNoSecret
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role: RoleOperator,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

// Validate accepts only HS256 tokens from this issuer with the operator role.
func (s *service) Validate(token string) (*Operator, error) {
	if len(s.secret) == 0 {
		return nil, ErrNoSecret
	}
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid || c.Role != RoleOperator || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Operator{Subject: c.Subject, ExpiresAt: c.ExpiresAt.Time}, nil
}
