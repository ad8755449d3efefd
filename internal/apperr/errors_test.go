package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rate limited", apperr.RateLimited("message:send"), apperr.CodeRateLimitExceeded},
		{"circuit open", apperr.CircuitOpen("storage"), apperr.CodeCircuitOpen},
		{"conflict keeps code", apperr.Conflict(apperr.CodeChannelFull, "full"), apperr.CodeChannelFull},
		{"wrapped", fmt.Errorf("handler: %w", apperr.Permission("nope")), apperr.CodeNoPermission},
		{"foreign", errors.New("boom"), apperr.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.CodeOf(tt.err))
		})
	}
}

func TestIsByKind(t *testing.T) {
	err := fmt.Errorf("join: %w", apperr.Conflict(apperr.CodeAlreadyInChannel, "already in channel"))

	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.False(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestDependencyUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := apperr.Dependency(cause, "storage")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, apperr.CodeDependencyFailure, apperr.CodeOf(err))
	assert.Equal(t, "internal error", apperr.MessageOf(cause))
}
