package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrMissingRole  = errors.New("token role is required")
)

// Roles granted to API clients. Writers may append, readers only read.
const (
	RoleWriter = "writer"
	RoleReader = "reader"
	RoleAdmin  = "admin"
)

const issuer = "ledger-eventstore"

// Claims represents JWT claims
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Actor returns the principal recorded in event metadata
func (c *Claims) Actor() string {
	return c.Subject
}

// CanWrite reports whether the principal may append events
func (c *Claims) CanWrite() bool {
	return slices.Contains([]string{RoleWriter, RoleAdmin}, c.Role)
}

// JWTService handles JWT token operations
type JWTService struct {
	secretKey         []byte
	accessTokenExpiry time.Duration
	clock             clockwork.Clock
}

// NewJWTService creates a new JWT service. A nil clock uses wall time.
func NewJWTService(secretKey string, accessExpiry time.Duration, clock clockwork.Clock) *JWTService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JWTService{
		secretKey:         []byte(secretKey),
		accessTokenExpiry: accessExpiry,
		clock:             clock,
	}
}

// GenerateAccessToken creates a new access token for subject
func (s *JWTService) GenerateAccessToken(subject, role string) (string, time.Time, error) {
	if role == "" {
		return "", time.Time{}, ErrMissingRole
	}
	now := s.clock.Now()
	expiresAt := now.Add(s.accessTokenExpiry)

	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   subject,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// ValidateAccessToken validates an access token and returns claims
func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secretKey, nil
	},
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" || claims.Role == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// GetAccessTokenExpiry returns the access token expiry duration
func (s *JWTService) GetAccessTokenExpiry() time.Duration {
	return s.accessTokenExpiry
}
