package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP
	Addr        string
	CORSOrigins []string
	RateLimit   int

	// Storage
	DatabaseURL    string // empty means in-memory store
	ObjectStoreURL string // empty means in-memory object registry

	// Room lifecycle
	RoomLifetime  time.Duration
	CleanupGrace  time.Duration
	SweepInterval time.Duration

	// Relay
	SendQueueDepth  int
	MaxMessageBytes int64

	// File transfers
	MaxFileSize      int64
	AllowedFileTypes []string
	FileTokenTTL     time.Duration
	TokenSigningKey  string // base64 ed25519 private key; ephemeral when empty
	TokenKeyID       string
	TokenIssuer      string

	Environment string
}

func Load() Config {
	return Config{
		Addr:        getenv("ADDR", ":8080"),
		CORSOrigins: getlist("CORS_ORIGINS"),
		RateLimit:   getint("RATE_LIMIT_PER_MINUTE", 100),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		ObjectStoreURL: os.Getenv("OBJECT_STORE_URL"),

		RoomLifetime:  getdur("ROOM_LIFETIME", 15*time.Minute),
		CleanupGrace:  getdur("CLEANUP_GRACE", 5*time.Second),
		SweepInterval: getdur("SWEEP_INTERVAL", 30*time.Second),

		SendQueueDepth:  getint("SEND_QUEUE_DEPTH", 256),
		MaxMessageBytes: int64(getint("MAX_MESSAGE_BYTES", 64<<10)),

		MaxFileSize:      int64(getint("MAX_FILE_SIZE", 10<<20)),
		AllowedFileTypes: getlist("ALLOWED_FILE_TYPES"),
		FileTokenTTL:     getdur("FILE_TOKEN_TTL", time.Hour),
		TokenSigningKey:  os.Getenv("TOKEN_SIGNING_KEY"),
		TokenKeyID:       getenv("TOKEN_KEY_ID", "kid-1"),
		TokenIssuer:      getenv("TOKEN_ISSUER", "e2ee-sessions"),

		Environment: getenv("ENVIRONMENT", "development"),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer, using default", "key", k, "value", v, "default", def)
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration, using default", "key", k, "value", v, "default", def)
	}
	return def
}

func getlist(k string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(k), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
