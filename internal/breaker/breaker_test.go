package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newExecutor(t *testing.T, changes *[]breaker.StateChange) (*breaker.Executor, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	e := breaker.NewExecutor(breaker.Config{
		Overrides: map[string]breaker.Settings{
			breaker.Storage: {FailureThreshold: 5, OpenDuration: 60 * time.Second, SuccessThreshold: 3},
		},
		OnStateChange: func(c breaker.StateChange) {
			if changes != nil {
				*changes = append(*changes, c)
			}
		},
		Clock:  mock,
		Logger: zerolog.Nop(),
	})
	return e, mock
}

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestExecutor_StorageScenario(t *testing.T) {
	var changes []breaker.StateChange
	e, mock := newExecutor(t, &changes)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := e.Do(ctx, breaker.Storage, fail, nil)
		require.ErrorIs(t, err, errBoom, "operation errors propagate unchanged")
	}
	assert.Equal(t, breaker.StateOpen, e.State(breaker.Storage))

	// +30s: rejected without invoking the operation
	mock.Add(30 * time.Second)
	called := false
	err := e.Do(ctx, breaker.Storage, func(context.Context) error {
		called = true
		return nil
	}, nil)
	assert.False(t, called)
	assert.ErrorIs(t, err, apperr.ErrCircuitOpen)
	assert.Equal(t, apperr.CodeCircuitOpen, apperr.CodeOf(err))

	// +61s: attempted in half-open
	mock.Add(31 * time.Second)
	require.NoError(t, e.Do(ctx, breaker.Storage, succeed, nil))
	assert.Equal(t, breaker.StateHalfOpen, e.State(breaker.Storage))

	require.NoError(t, e.Do(ctx, breaker.Storage, succeed, nil))
	assert.Equal(t, breaker.StateHalfOpen, e.State(breaker.Storage))
	require.NoError(t, e.Do(ctx, breaker.Storage, succeed, nil))
	assert.Equal(t, breaker.StateClosed, e.State(breaker.Storage))

	require.Len(t, changes, 3)
	assert.Equal(t, breaker.StateOpen, changes[0].To)
	assert.Equal(t, breaker.StateHalfOpen, changes[1].To)
	assert.Equal(t, breaker.StateClosed, changes[2].To)
}

func TestExecutor_HalfOpenFailureReopens(t *testing.T) {
	e, mock := newExecutor(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = e.Do(ctx, breaker.Storage, fail, nil)
	}
	mock.Add(61 * time.Second)

	require.NoError(t, e.Do(ctx, breaker.Storage, succeed, nil))
	require.ErrorIs(t, e.Do(ctx, breaker.Storage, fail, nil), errBoom)
	assert.Equal(t, breaker.StateOpen, e.State(breaker.Storage))

	stats := e.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].HalfOpenSuccesses)

	// the open timer restarts from the half-open failure
	mock.Add(59 * time.Second)
	assert.ErrorIs(t, e.Do(ctx, breaker.Storage, succeed, nil), apperr.ErrCircuitOpen)
}

func TestExecutor_SuccessResetsConsecutiveFailures(t *testing.T) {
	e, _ := newExecutor(t, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = e.Do(ctx, breaker.Storage, fail, nil)
	}
	require.NoError(t, e.Do(ctx, breaker.Storage, succeed, nil))
	for i := 0; i < 4; i++ {
		_ = e.Do(ctx, breaker.Storage, fail, nil)
	}
	assert.Equal(t, breaker.StateClosed, e.State(breaker.Storage))
}

func TestExecutor_DomainErrorsDoNotTrip(t *testing.T) {
	e, _ := newExecutor(t, nil)
	ctx := context.Background()

	notFound := func(context.Context) error { return apperr.NotFound("message %s not found", "m1") }
	fallbackCalled := false
	for i := 0; i < 10; i++ {
		err := e.Do(ctx, breaker.Storage, notFound, func(context.Context, error) error {
			fallbackCalled = true
			return nil
		})
		require.ErrorIs(t, err, apperr.ErrNotFound)
	}

	assert.False(t, fallbackCalled)
	assert.Equal(t, breaker.StateClosed, e.State(breaker.Storage))
	assert.False(t, breaker.IsFailure(apperr.Validation("bad")))
	assert.True(t, breaker.IsFailure(errBoom))
	assert.True(t, breaker.IsFailure(apperr.CircuitOpen(breaker.Bus)))
}

func TestExecute_Fallback(t *testing.T) {
	e, _ := newExecutor(t, nil)
	ctx := context.Background()

	fallback := func(_ context.Context, err error) ([]string, error) {
		return []string{"cached"}, nil
	}

	tests := []struct {
		name     string
		op       func(context.Context) ([]string, error)
		fallback func(context.Context, error) ([]string, error)
		want     []string
		wantErr  error
	}{
		{
			name: "success skips fallback",
			op:   func(context.Context) ([]string, error) { return []string{"fresh"}, nil },
			want: []string{"fresh"},
		},
		{
			name:     "failure routed to fallback",
			op:       func(context.Context) ([]string, error) { return nil, errBoom },
			fallback: fallback,
			want:     []string{"cached"},
		},
		{
			name:    "failure without fallback propagates",
			op:      func(context.Context) ([]string, error) { return nil, errBoom },
			wantErr: errBoom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := breaker.Execute(ctx, e, breaker.Storage, tt.op, tt.fallback)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecute_FallbackWhileOpen(t *testing.T) {
	e, _ := newExecutor(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = e.Do(ctx, breaker.Storage, fail, nil)
	}

	var seen error
	got, err := breaker.Execute(ctx, e, breaker.Storage,
		func(context.Context) (int, error) {
			t.Fatal("operation must not run while open")
			return 0, nil
		},
		func(_ context.Context, err error) (int, error) {
			seen = err
			return 42, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.ErrorIs(t, seen, apperr.ErrCircuitOpen)
	assert.Equal(t, 1, e.OpenCount())
	assert.Equal(t, int64(1), e.Stats()[0].Rejections)
}

func TestExecutor_DefaultSettingsForUnknownBreaker(t *testing.T) {
	e, _ := newExecutor(t, nil)
	e.Register(breaker.Bus, breaker.RoomService)

	stats := e.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, breaker.Bus, stats[0].Name)
	assert.Equal(t, breaker.RoomService, stats[1].Name)
	assert.Equal(t, breaker.DefaultSettings, stats[1].Settings)
	assert.Equal(t, breaker.StateClosed, stats[1].State)
}
