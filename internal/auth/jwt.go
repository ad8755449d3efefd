// Package auth resolves connection identities and answers permission checks.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "realtime"

// Identity is who a connection belongs to once verified.
type Identity struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

type Claims struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() Identity {
	id := Identity{UserID: c.UserID, Username: c.Username, DisplayName: c.DisplayName}
	if id.UserID == "" {
		id.UserID = c.Subject
	}
	if id.DisplayName == "" {
		id.DisplayName = id.Username
	}
	return id
}

// JWTVerifier signs and verifies HS256 identity tokens.
type JWTVerifier struct {
	secretKey     []byte
	tokenDuration time.Duration
	clock         clock.Clock
}

func NewJWTVerifier(secretKey string, tokenDuration time.Duration, clk clock.Clock) *JWTVerifier {
	if clk == nil {
		clk = clock.New()
	}
	return &JWTVerifier{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
		clock:         clk,
	}
}

// Generate creates a new token for id
func (v *JWTVerifier) Generate(id Identity) (string, error) {
	now := v.clock.Now()
	claims := &Claims{
		UserID:      id.UserID,
		Username:    id.Username,
		DisplayName: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   id.UserID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secretKey)
}

// Verify validates the token and returns the claims
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secretKey, nil
		},
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Identity().UserID == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// ExtractTokenFromHeader extracts a bearer token from the Authorization header
func ExtractTokenFromHeader(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authorization header missing")
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", errors.New("invalid authorization header format")
	}

	return strings.TrimPrefix(authHeader, bearerPrefix), nil
}

// ExtractTokenFromQuery extracts the token query parameter (common for WebSocket)
func ExtractTokenFromQuery(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		return "", errors.New("token query parameter missing")
	}
	return token, nil
}
