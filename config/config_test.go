package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-booking/credits"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "booking.db", cfg.DBPath)
	assert.Equal(t, 24, cfg.Booking.CancellationDeadlineHours)
	assert.Equal(t, credits.FixedWindow{Days: 40}, cfg.Booking.ExpiryPolicy)
	assert.False(t, cfg.Booking.RefundOnClassDelete)
	assert.Equal(t, 10*time.Second, cfg.Booking.SubmitLockTTL)
	assert.Equal(t, "booking", cfg.AMQP.Exchange)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, time.Hour, cfg.Reminder.Interval)
	assert.Equal(t, 72*time.Hour, cfg.Reminder.Window)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DB_PATH", MemoryDB)
	t.Setenv("CANCELLATION_DEADLINE_HOURS", "12")
	t.Setenv("BATCH_EXPIRY_POLICY", "extend_from_latest")
	t.Setenv("REFUND_ON_CLASS_DELETE", "true")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test ,")
	t.Setenv("EXPIRY_REMINDER_WINDOW", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, MemoryDB, cfg.DBPath)
	assert.Equal(t, 12, cfg.Booking.CancellationDeadlineHours)
	assert.Equal(t, credits.ExtendFromLatest{}, cfg.Booking.ExpiryPolicy)
	assert.True(t, cfg.Booking.RefundOnClassDelete)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 72*time.Hour, cfg.Reminder.Window, "bad durations fall back to the default")
}

func TestFromViper_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"unknown expiry policy", "BATCH_EXPIRY_POLICY", "whenever"},
		{"negative deadline", "CANCELLATION_DEADLINE_HOURS", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			setDefaults(v)
			v.Set(tt.key, tt.val)

			_, err := fromViper(v)
			assert.Error(t, err)
		})
	}
}
