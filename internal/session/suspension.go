package session

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/store"
)

// BanStore is the slice of store.Store the suspension check needs.
type BanStore interface {
	ActiveBan(ctx context.Context, userID string, now time.Time, window time.Duration) (*store.Ban, error)
}

// StoreSuspension consults persisted bans through the auth breaker, so a
// slow ban lookup at connect time does not trip storage for message traffic.
type StoreSuspension struct {
	Bans     BanStore
	Breakers *breaker.Executor
	Window   time.Duration
	Clock    clock.Clock
}

func (s StoreSuspension) IsSuspended(ctx context.Context, userID string) (bool, error) {
	now := s.Clock.Now()
	ban, err := breaker.Execute(ctx, s.Breakers, breaker.Auth, func(ctx context.Context) (*store.Ban, error) {
		return s.Bans.ActiveBan(ctx, userID, now, s.Window)
	}, nil)
	if err != nil {
		return false, err
	}
	return ban != nil, nil
}
