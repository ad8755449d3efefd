// Package roomservice talks to the external audio/video room service. The
// platform only asks it for room handles and per-user media credentials.
package roomservice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// Handle identifies a media room on the external service.
type Handle struct {
	Name string `json:"name"`
	SID  string `json:"sid"`
}

// Grants scope a media credential.
type Grants struct {
	RoomJoin       bool     `json:"roomJoin,omitempty"`
	RoomCreate     bool     `json:"roomCreate,omitempty"`
	Room           string   `json:"room,omitempty"`
	CanPublish     *bool    `json:"canPublish,omitempty"`
	CanSubscribe   *bool    `json:"canSubscribe,omitempty"`
	CanPublishData *bool    `json:"canPublishData,omitempty"`
	Sources        []string `json:"canPublishSources,omitempty"`
}

func boolPtr(b bool) *bool { return &b }

// ParticipantGrants lets a voice participant subscribe and, when canSpeak,
// publish microphone audio.
func ParticipantGrants(room string, canSpeak bool) Grants {
	g := Grants{
		RoomJoin:       true,
		Room:           room,
		CanSubscribe:   boolPtr(true),
		CanPublish:     boolPtr(canSpeak),
		CanPublishData: boolPtr(true),
	}
	if canSpeak {
		g.Sources = []string{"microphone"}
	}
	return g
}

// ScreenShareGrants is publish-only for screen tracks.
func ScreenShareGrants(room string) Grants {
	return Grants{
		RoomJoin:       true,
		Room:           room,
		CanSubscribe:   boolPtr(false),
		CanPublish:     boolPtr(true),
		CanPublishData: boolPtr(false),
		Sources:        []string{"screen_share", "screen_share_audio"},
	}
}

type Service interface {
	CreateRoom(ctx context.Context, name string) (Handle, error)
	MintToken(ctx context.Context, handle Handle, identity, displayName string, grants Grants) (string, error)
}

type claims struct {
	Video Grants `json:"video"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenMinter signs media credentials with the service's API key pair.
type TokenMinter struct {
	apiKey    string
	apiSecret []byte
	ttl       time.Duration
	clock     clock.Clock
}

func NewTokenMinter(apiKey, apiSecret string, ttl time.Duration, clk clock.Clock) *TokenMinter {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &TokenMinter{apiKey: apiKey, apiSecret: []byte(apiSecret), ttl: ttl, clock: clk}
}

func (m *TokenMinter) Mint(identity, displayName string, grants Grants) (string, error) {
	if identity == "" && !grants.RoomCreate {
		return "", errors.New("identity is required")
	}
	now := m.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Video: grants,
		Name:  displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})
	signed, err := token.SignedString(m.apiSecret)
	if err != nil {
		return "", fmt.Errorf("sign media token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token minted by m and returns its grants and subject.
func (m *TokenMinter) Parse(tokenString string) (Grants, string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.apiSecret, nil
	}, jwt.WithTimeFunc(m.clock.Now), jwt.WithIssuer(m.apiKey))
	if err != nil {
		return Grants{}, "", err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok {
		return Grants{}, "", errors.New("invalid media token claims")
	}
	return c.Video, c.Subject, nil
}

// Static is an in-process Service for development and tests. It never
// contacts anything; failures can be injected.
type Static struct {
	minter *TokenMinter

	mu         sync.Mutex
	rooms      map[string]Handle
	createErr  error
	mintErr    error
	createCall int
}

func NewStatic(minter *TokenMinter) *Static {
	return &Static{minter: minter, rooms: make(map[string]Handle)}
}

func (s *Static) FailCreate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

func (s *Static) FailMint(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mintErr = err
}

// CreateCalls counts CreateRoom invocations, failed ones included.
func (s *Static) CreateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCall
}

func (s *Static) CreateRoom(_ context.Context, name string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCall++
	if s.createErr != nil {
		return Handle{}, s.createErr
	}
	h, ok := s.rooms[name]
	if !ok {
		h = Handle{Name: name, SID: fmt.Sprintf("RM_%s", name)}
		s.rooms[name] = h
	}
	return h, nil
}

func (s *Static) MintToken(_ context.Context, handle Handle, identity, displayName string, grants Grants) (string, error) {
	s.mu.Lock()
	err := s.mintErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	grants.Room = handle.Name
	return s.minter.Mint(identity, displayName, grants)
}
