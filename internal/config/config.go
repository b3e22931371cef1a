// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jason-s-yu/roundhouse/internal/models"
	_ "github.com/joho/godotenv/autoload"
)

// RoomConfig defines one recurring table of rounds.
type RoomConfig struct {
	Room          string
	GameType      string
	BettingWindow time.Duration
	ResultDisplay time.Duration
}

// Key returns the round key served by this room.
func (r RoomConfig) Key() models.RoundKey {
	return models.RoundKey{Room: r.Room, GameType: r.GameType}
}

// Delivery tunes acknowledgement and retry of critical broadcasts.
type Delivery struct {
	AckTimeout  time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	QueueSize   int
}

// Admission bounds inbound websocket connections per source, and the bets and advisories
// one connection may send.
type Admission struct {
	MaxConcurrent int
	MaxAttempts   int
	Window        time.Duration
	LeaseTTL      time.Duration

	MessageInterval time.Duration
	MessageBurst    int
}

// Config is the full process configuration, read from the environment.
type Config struct {
	Port           string
	LogLevel       string
	AllowedOrigins []string
	StoreDriver    string // "postgres" or "memory"
	DatabaseURL    string

	RedisAddr string
	RedisDB   int

	KafkaBrokers      []string
	KafkaSettledTopic string
	KafkaAlertTopic   string

	JWTPrivateKeyPath string
	JWTPublicKeyPath  string

	Rooms        []RoomConfig
	Payouts      models.PayoutTable
	MinWager     int64
	MaxWager     int64
	BiasFactor   uint32
	MinimalWager int64
	TickInterval time.Duration
	LeaseTTL     time.Duration

	Delivery  Delivery
	Admission Admission

	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	HistorianQueue     string
	HistorianBatchSize int
	HistorianFlush     time.Duration
}

// Load reads the configuration. Unset variables fall back to defaults.
func Load() (*Config, error) {
	rooms, err := ParseRooms(getEnv("ROUND_ROOMS", "main/wingo-1m:40s:10s"))
	if err != nil {
		return nil, err
	}

	defaults := models.DefaultPayoutTable()
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		StoreDriver:    getEnv("STORE_DRIVER", "postgres"),
		DatabaseURL:    databaseURL(),

		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:   getEnvInt("REDIS_DB", 0),

		KafkaBrokers:      splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaSettledTopic: getEnv("KAFKA_SETTLED_TOPIC", "round_settled"),
		KafkaAlertTopic:   getEnv("KAFKA_ALERT_TOPIC", "engine_alerts"),

		JWTPrivateKeyPath: os.Getenv("JWT_PRIVATE_KEY_PATH"),
		JWTPublicKeyPath:  os.Getenv("JWT_PUBLIC_KEY_PATH"),

		Rooms: rooms,
		Payouts: models.PayoutTable{
			Color:  models.BasisPoints(getEnvInt("PAYOUT_COLOR_BP", int(defaults.Color))),
			Split:  models.BasisPoints(getEnvInt("PAYOUT_SPLIT_BP", int(defaults.Split))),
			Violet: models.BasisPoints(getEnvInt("PAYOUT_VIOLET_BP", int(defaults.Violet))),
			Number: models.BasisPoints(getEnvInt("PAYOUT_NUMBER_BP", int(defaults.Number))),
		},
		MinWager:     int64(getEnvInt("MIN_WAGER", 10)),
		MaxWager:     int64(getEnvInt("MAX_WAGER", 1_000_000)),
		BiasFactor:   uint32(getEnvInt("ADVISORY_BIAS_FACTOR", 2)),
		MinimalWager: int64(getEnvInt("ADVISORY_MINIMAL_WAGER", 0)),
		TickInterval: getEnvDuration("TIMER_TICK_INTERVAL", time.Second),
		LeaseTTL:     getEnvDuration("SCHEDULER_LEASE_TTL", 15*time.Second),

		Delivery: Delivery{
			AckTimeout:  getEnvDuration("DELIVERY_ACK_TIMEOUT", 2*time.Second),
			BaseBackoff: getEnvDuration("DELIVERY_BASE_BACKOFF", 250*time.Millisecond),
			MaxBackoff:  getEnvDuration("DELIVERY_MAX_BACKOFF", 4*time.Second),
			MaxAttempts: getEnvInt("DELIVERY_MAX_ATTEMPTS", 5),
			QueueSize:   getEnvInt("DELIVERY_QUEUE_SIZE", 64),
		},
		Admission: Admission{
			MaxConcurrent: getEnvInt("ADMISSION_MAX_CONCURRENT", 5),
			MaxAttempts:   getEnvInt("ADMISSION_MAX_ATTEMPTS", 30),
			Window:        getEnvDuration("ADMISSION_WINDOW", time.Minute),
			LeaseTTL:      getEnvDuration("ADMISSION_LEASE_TTL", 90*time.Second),

			MessageInterval: getEnvDuration("WS_MESSAGE_INTERVAL", 100*time.Millisecond),
			MessageBurst:    getEnvInt("WS_MESSAGE_BURST", 10),
		},

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 15*time.Second),
		ReconcileGrace:    getEnvDuration("RECONCILE_GRACE", 30*time.Second),

		HistorianQueue:     getEnv("HISTORIAN_QUEUE_NAME", "round_events"),
		HistorianBatchSize: getEnvInt("HISTORIAN_BATCH_SIZE", 20),
		HistorianFlush:     time.Duration(getEnvInt("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond,
	}

	if cfg.MinWager <= 0 || cfg.MaxWager < cfg.MinWager {
		return nil, fmt.Errorf("invalid wager limits: min=%d max=%d", cfg.MinWager, cfg.MaxWager)
	}
	if cfg.BiasFactor < 1 {
		cfg.BiasFactor = 1
	}
	return cfg, nil
}

// ParseRooms parses "room/gameType:window:display" entries separated by commas.
func ParseRooms(s string) ([]RoomConfig, error) {
	var rooms []RoomConfig
	seen := make(map[models.RoundKey]bool)
	for _, entry := range splitList(s) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("room entry %q: want room/gameType:window:display", entry)
		}
		room, gameType, ok := strings.Cut(parts[0], "/")
		if !ok || room == "" || gameType == "" {
			return nil, fmt.Errorf("room entry %q: missing room or game type", entry)
		}
		window, err := time.ParseDuration(parts[1])
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("room entry %q: bad betting window", entry)
		}
		display, err := time.ParseDuration(parts[2])
		if err != nil || display < 0 {
			return nil, fmt.Errorf("room entry %q: bad result display", entry)
		}
		rc := RoomConfig{Room: room, GameType: gameType, BettingWindow: window, ResultDisplay: display}
		if seen[rc.Key()] {
			return nil, fmt.Errorf("room entry %q: duplicate key", entry)
		}
		seen[rc.Key()] = true
		rooms = append(rooms, rc)
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("no rooms configured")
	}
	return rooms, nil
}

// databaseURL prefers DATABASE_URL and otherwise assembles one from the POSTGRES_* variables.
func databaseURL() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"),
		os.Getenv("POSTGRES_PASSWORD"),
		getEnv("PG_HOST", "localhost"),
		getEnv("PG_PORT", "5432"),
		os.Getenv("PG_DATABASE"),
	)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
