package voice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	booking "github.com/onhand/dispatch-core/internal/booking/domain"
	provider "github.com/onhand/dispatch-core/internal/provider/domain"
)

func at(hour, minute int) time.Time {
	return time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC)
}

func TestGateway_Screen(t *testing.T) {
	g := NewGateway(NewMemoryQueue(), nil)

	nightOwl := provider.VoicePreferences{
		CallsEnabled:    true,
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "07:00",
		MinUrgency:      "low",
	}

	tests := []struct {
		name    string
		prefs   provider.VoicePreferences
		urgency booking.Urgency
		at      time.Time
		want    DropReason
	}{
		{
			name:    "calls disabled",
			prefs:   provider.VoicePreferences{CallsEnabled: false},
			urgency: booking.UrgencyUrgent,
			at:      at(12, 0),
			want:    DropCallsOff,
		},
		{
			name:    "normal urgency at 02:00 hits quiet hours",
			prefs:   nightOwl,
			urgency: booking.UrgencyNormal,
			at:      at(2, 0),
			want:    DropQuietHours,
		},
		{
			name:    "urgent urgency bypasses quiet hours",
			prefs:   nightOwl,
			urgency: booking.UrgencyUrgent,
			at:      at(2, 0),
			want:    DropNone,
		},
		{
			name:    "normal urgency at noon passes",
			prefs:   nightOwl,
			urgency: booking.UrgencyNormal,
			at:      at(12, 0),
			want:    DropNone,
		},
		{
			name: "below the urgency threshold",
			prefs: provider.VoicePreferences{
				CallsEnabled: true,
				MinUrgency:   "high",
			},
			urgency: booking.UrgencyNormal,
			at:      at(12, 0),
			want:    DropBelowUrgency,
		},
		{
			name: "at the urgency threshold",
			prefs: provider.VoicePreferences{
				CallsEnabled: true,
				MinUrgency:   "high",
			},
			urgency: booking.UrgencyHigh,
			at:      at(12, 0),
			want:    DropNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Screen(tt.prefs, tt.urgency, tt.at))
		})
	}
}

func TestGateway_Submit(t *testing.T) {
	t.Run("screened call is never queued", func(t *testing.T) {
		queue := NewMemoryQueue()
		now := at(2, 0)
		g := NewGateway(queue, func() time.Time { return now })

		prefs := provider.VoicePreferences{
			CallsEnabled:    true,
			QuietHoursStart: "22:00",
			QuietHoursEnd:   "07:00",
			MinUrgency:      "low",
		}

		g.Submit(context.Background(), CallRequest{
			ProviderID: "p-1", BookingID: "b-1", OfferID: "o-1",
			Urgency: booking.UrgencyNormal,
		}, prefs)
		assert.Empty(t, queue.Pending())

		// same booking with urgent urgency is submitted
		g.Submit(context.Background(), CallRequest{
			ProviderID: "p-1", BookingID: "b-1", OfferID: "o-2",
			Urgency: booking.UrgencyUrgent,
		}, prefs)
		assert.Len(t, queue.Pending(), 1)
	})

	t.Run("hourly cap over a sliding window", func(t *testing.T) {
		queue := NewMemoryQueue()
		clock := at(12, 0)
		g := NewGateway(queue, func() time.Time { return clock })

		prefs := provider.VoicePreferences{
			CallsEnabled:    true,
			MaxCallsPerHour: 2,
			MinUrgency:      "low",
		}

		req := CallRequest{ProviderID: "p-1", BookingID: "b-1", Urgency: booking.UrgencyNormal}
		g.Submit(context.Background(), req, prefs)
		g.Submit(context.Background(), req, prefs)
		g.Submit(context.Background(), req, prefs)
		assert.Len(t, queue.Pending(), 2)

		// an hour later the window has slid open again
		clock = clock.Add(61 * time.Minute)
		g.Submit(context.Background(), req, prefs)
		assert.Len(t, queue.Pending(), 3)
	})
}

func TestGateway_CancelForBooking(t *testing.T) {
	queue := NewMemoryQueue()
	g := NewGateway(queue, nil)
	ctx := context.Background()

	prefs := provider.VoicePreferences{CallsEnabled: true, MinUrgency: "low"}
	g.Submit(ctx, CallRequest{ProviderID: "p-1", BookingID: "b-1", Urgency: booking.UrgencyNormal}, prefs)
	g.Submit(ctx, CallRequest{ProviderID: "p-2", BookingID: "b-1", Urgency: booking.UrgencyNormal}, prefs)
	g.Submit(ctx, CallRequest{ProviderID: "p-3", BookingID: "b-2", Urgency: booking.UrgencyNormal}, prefs)

	g.CancelForBooking(ctx, "b-1")

	pending := queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "b-2", pending[0].BookingID)
}
