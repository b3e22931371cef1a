package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRooms(t *testing.T) {
	rooms, err := ParseRooms("main/wingo-1m:40s:10s, vip/wingo-3m:170s:10s")
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "main", rooms[0].Room)
	assert.Equal(t, "wingo-1m", rooms[0].GameType)
	assert.Equal(t, 40*time.Second, rooms[0].BettingWindow)
	assert.Equal(t, 10*time.Second, rooms[0].ResultDisplay)
	assert.Equal(t, "vip/wingo-3m", rooms[1].Key().String())
}

func TestParseRoomsRejectsBadEntries(t *testing.T) {
	for _, s := range []string{
		"",
		"main:40s:10s",
		"main/wingo:forty:10s",
		"main/wingo:0s:10s",
		"main/wingo:40s",
		"main/wingo:40s:10s,main/wingo:60s:10s",
	} {
		_, err := ParseRooms(s)
		assert.Error(t, err, s)
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("ROUND_ROOMS", "lobby/fast:20s:5s")
	t.Setenv("MIN_WAGER", "50")
	t.Setenv("DELIVERY_ACK_TIMEOUT", "750ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/rounds")
	t.Setenv("ALLOWED_ORIGINS", "https://play.example.com,https://admin.example.com")
	t.Setenv("SCHEDULER_LEASE_TTL", "20s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(50), cfg.MinWager)
	assert.Equal(t, 750*time.Millisecond, cfg.Delivery.AckTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "postgres://u:p@db:5432/rounds", cfg.DatabaseURL)
	assert.Equal(t, 20*time.Second, cfg.Rooms[0].BettingWindow)
	assert.EqualValues(t, 90000, cfg.Payouts.Number)
	assert.Equal(t, []string{"https://play.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 20*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Admission.MessageInterval)
	assert.Equal(t, 10, cfg.Admission.MessageBurst)
}

func TestLoadRejectsInvertedWagerLimits(t *testing.T) {
	t.Setenv("MIN_WAGER", "100")
	t.Setenv("MAX_WAGER", "10")
	_, err := Load()
	assert.Error(t, err)
}
