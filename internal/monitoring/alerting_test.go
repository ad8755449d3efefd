package monitoring_test

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/adred-codev/realtime/internal/breaker"
	"github.com/adred-codev/realtime/internal/monitoring"
)

func TestSlackAlerter_DeliveryBreaker(t *testing.T) {
	var hits atomic.Int64
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer webhook.Close()

	breakers := breaker.NewExecutor(breaker.Config{
		Overrides: map[string]breaker.Settings{
			breaker.Delivery: {FailureThreshold: 2, OpenDuration: time.Minute, SuccessThreshold: 1},
		},
		Clock:  clock.NewMock(),
		Logger: zerolog.Nop(),
	})
	slack := monitoring.NewSlackAlerter(webhook.URL, "#ops", "realtime").WithBreakers(breakers)

	for i := 0; i < 4; i++ {
		slack.Alert(monitoring.CRITICAL, "storage down", map[string]any{"breaker": "storage"})
	}

	assert.Equal(t, int64(2), hits.Load(), "webhook is skipped once the breaker opens")
	assert.Equal(t, breaker.StateOpen, breakers.State(breaker.Delivery))
}
