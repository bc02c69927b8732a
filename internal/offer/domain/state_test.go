package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{"sent to seen", StateSent, StateSeen, true},
		{"sent to accepted", StateSent, StateAccepted, true},
		{"sent to declined", StateSent, StateDeclined, true},
		{"sent to expired", StateSent, StateExpired, true},
		{"sent to cancelled", StateSent, StateCancelled, true},
		{"seen to accepted", StateSeen, StateAccepted, true},
		{"seen back to sent", StateSeen, StateSent, false},
		{"declined to cancelled", StateDeclined, StateCancelled, true},
		{"declined to accepted", StateDeclined, StateAccepted, false},
		{"accepted is terminal", StateAccepted, StateCancelled, false},
		{"expired is terminal", StateExpired, StateSeen, false},
		{"cancelled is terminal", StateCancelled, StateSent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestState_Live(t *testing.T) {
	assert.True(t, StateSent.Live())
	assert.True(t, StateSeen.Live())
	assert.False(t, StateAccepted.Live())
	assert.False(t, StateDeclined.Live())
	assert.False(t, StateExpired.Live())
	assert.False(t, StateCancelled.Live())
}

func TestOffer_Expired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("before expiry", func(t *testing.T) {
		o := Offer{ExpiresAt: now.Add(time.Second)}
		assert.False(t, o.Expired(now))
	})

	t.Run("expires-at equal to now is expired", func(t *testing.T) {
		o := Offer{ExpiresAt: now}
		assert.True(t, o.Expired(now))
	})

	t.Run("past expiry", func(t *testing.T) {
		o := Offer{ExpiresAt: now.Add(-time.Second)}
		assert.True(t, o.Expired(now))
	})
}

func TestOffer_Actionable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		state      State
		expiresAt  time.Time
		actionable bool
	}{
		{"live sent offer", StateSent, now.Add(time.Minute), true},
		{"live seen offer", StateSeen, now.Add(time.Minute), true},
		{"sent but past expiry", StateSent, now.Add(-time.Minute), false},
		{"accepted", StateAccepted, now.Add(time.Minute), false},
		{"cancelled", StateCancelled, now.Add(time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Offer{State: tt.state, ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.actionable, o.Actionable(now))
		})
	}
}
