// Package auth issues and validates the bearer tokens that guard the
// mutating endpoints of the worker status API.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrMissingSecret    = errors.New("token secret is required")
	ErrInsufficientRole = errors.New("insufficient permissions")
)

// Role is an operator's access level.
type Role string

const (
	// RoleOperator may trigger elections.
	RoleOperator Role = "operator"
	// RoleViewer may read cluster state.
	RoleViewer Role = "viewer"
)

var roleLevel = map[Role]int{
	RoleOperator: 50,
	RoleViewer:   10,
}

// HasPermission checks if role has at least the required permission level
func (r Role) HasPermission(required Role) bool {
	level, ok := roleLevel[r]
	return ok && level >= roleLevel[required]
}

// Claims are the claims carried by an operator token.
type Claims struct {
	jwt.RegisteredClaims
	Role Role `json:"role"`
}

type TokenConfig struct {
	Secret string
	Issuer string
	Expiry time.Duration
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Issuer: "jmxcluster",
		Expiry: 12 * time.Hour,
	}
}

// TokenService signs and verifies HS256 operator tokens.
type TokenService struct {
	config TokenConfig
	now    func() time.Time
}

func NewTokenService(config TokenConfig) (*TokenService, error) {
	if config.Secret == "" {
		return nil, ErrMissingSecret
	}
	return &TokenService{config: config, now: time.Now}, nil
}

// Issue signs a token for subject with the given role.
func (s *TokenService) Issue(subject string, role Role) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.Expiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.Secret))
}

// Validate verifies the signature, issuer and lifetime of a token.
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.config.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
