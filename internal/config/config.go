package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port string

	LogLevel string
	Env      string

	RedisURL  string
	JWTSecret string

	// Gateway tunables. Timing knobs accept Go duration strings
	// ("30s", "1m"); malformed or non-positive values fall back
	// to the default.
	HeartbeatInterval time.Duration // ping cadence on idle connections
	PongWait          time.Duration // read deadline; a missed pong closes the conn
	WriteTimeout      time.Duration // per-frame write deadline
	TypingTTL         time.Duration // typing indicator expiry
	TypingSweep       time.Duration // how often expired typing entries are reaped
	SendBufferSize    int           // per-connection outbound frame buffer
}

func LoadConfig() (*Config, error) {
	return &Config{
		Port:      GetEnv("PORT", "8082"),
		Env:       GetEnv("ENV", "development"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		RedisURL:  GetEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret: GetEnv("JWT_SECRET", "dev-only-secret"),

		HeartbeatInterval: GetDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		PongWait:          GetDuration("PONG_WAIT", 45*time.Second),
		WriteTimeout:      GetDuration("WRITE_TIMEOUT", 10*time.Second),
		TypingTTL:         GetDuration("TYPING_TTL", 6*time.Second),
		TypingSweep:       GetDuration("TYPING_SWEEP", time.Second),
		SendBufferSize:    GetInt("SEND_BUFFER_SIZE", 64),
	}, nil
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func GetDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func GetInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}
