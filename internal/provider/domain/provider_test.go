package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVoicePreferences_InQuietHours(t *testing.T) {
	// quiet window spanning midnight
	prefs := VoicePreferences{
		CallsEnabled:    true,
		QuietHoursStart: "22:00",
		QuietHoursEnd:   "07:00",
	}

	at := func(hour, minute int) time.Time {
		return time.Date(2025, 6, 1, hour, minute, 0, 0, time.UTC)
	}

	tests := []struct {
		name  string
		t     time.Time
		quiet bool
	}{
		{"23:30 inside wrap", at(23, 30), true},
		{"03:00 inside wrap", at(3, 0), true},
		{"12:00 outside wrap", at(12, 0), false},
		{"start boundary inclusive", at(22, 0), true},
		{"end boundary exclusive", at(7, 0), false},
		{"21:59 outside", at(21, 59), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.quiet, prefs.InQuietHours(tt.t))
		})
	}

	t.Run("same-day window", func(t *testing.T) {
		day := VoicePreferences{QuietHoursStart: "13:00", QuietHoursEnd: "15:00"}
		assert.True(t, day.InQuietHours(at(14, 0)))
		assert.False(t, day.InQuietHours(at(16, 0)))
		assert.False(t, day.InQuietHours(at(3, 0)))
	})

	t.Run("no window configured", func(t *testing.T) {
		assert.False(t, VoicePreferences{}.InQuietHours(at(3, 0)))
	})
}

func TestProvider_LocationFresh(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	freshness := 10 * time.Minute

	tests := []struct {
		name  string
		age   time.Duration
		fresh bool
	}{
		{"recent fix", time.Minute, true},
		{"just inside the horizon", freshness - time.Second, true},
		{"exactly at the horizon is stale", freshness, false},
		{"older than the horizon", time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Provider{LocationUpdatedAt: now.Add(-tt.age)}
			assert.Equal(t, tt.fresh, p.LocationFresh(now, freshness))
		})
	}
}

func TestProvider_AvailableAt(t *testing.T) {
	p := Provider{
		Availability: map[time.Weekday][]string{
			time.Monday: {"09:00-12:00", "14:00-18:00"},
		},
	}

	monday := func(hour, minute int) time.Time {
		// 2025-06-02 is a Monday
		return time.Date(2025, 6, 2, hour, minute, 0, 0, time.UTC)
	}

	assert.True(t, p.AvailableAt(monday(10, 30)))
	assert.True(t, p.AvailableAt(monday(14, 0)))
	assert.False(t, p.AvailableAt(monday(12, 0))) // window end is exclusive
	assert.False(t, p.AvailableAt(monday(13, 0)))
	assert.False(t, p.AvailableAt(monday(19, 0)))

	// Tuesday has no windows
	tuesday := time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC)
	assert.False(t, p.AvailableAt(tuesday))
}

func TestProvider_OffersService(t *testing.T) {
	p := Provider{ServiceKinds: []string{"electrician", "plumber"}}
	assert.True(t, p.OffersService("electrician"))
	assert.False(t, p.OffersService("carpenter"))
}
