// Package config loads the translation core's runtime tunables from the
// environment, optionally via a .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds every environment-driven tunable that affects pipeline
// behaviour.
type Config struct {
	ListenAddr  string
	PostgresDSN string // empty => in-memory directory store
	LogLevel    string

	PartialResultsEnabled   bool
	MinStabilityThreshold   float64
	MaxBufferTimeout        time.Duration
	PauseThreshold          time.Duration
	OrphanTimeout           time.Duration
	MaxRatePerSecond        int
	DedupCacheTTL           time.Duration
	IdleTimeout             time.Duration
	MaxConcurrentBroadcasts int
	CacheTTL                time.Duration
	MaxCacheEntries         int
}

// Load reads .env (if present) then the environment into a Config.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		ListenAddr:  envString("TRANSLATOR_RELAY_LISTEN_ADDR", ":8080"),
		PostgresDSN: envString("TRANSLATOR_RELAY_POSTGRES_DSN", ""),
		LogLevel:    envString("LOG_LEVEL", "info"),

		PartialResultsEnabled:   envBool("PARTIAL_RESULTS_ENABLED", true),
		MinStabilityThreshold:   envFloat("MIN_STABILITY_THRESHOLD", 0.85),
		MaxBufferTimeout:        envDurationSec("MAX_BUFFER_TIMEOUT", 10),
		PauseThreshold:          envDurationSec("PAUSE_THRESHOLD", 2),
		OrphanTimeout:           envDurationSec("ORPHAN_TIMEOUT", 15),
		MaxRatePerSecond:        envInt("MAX_RATE_PER_SECOND", 10),
		DedupCacheTTL:           envDurationSec("DEDUP_CACHE_TTL", 10),
		IdleTimeout:             envDurationSec("IDLE_TIMEOUT_SECONDS", 600),
		MaxConcurrentBroadcasts: envInt("MAX_CONCURRENT_BROADCASTS", 100),
		CacheTTL:                envDurationSec("CACHE_TTL_SECONDS", 3600),
		MaxCacheEntries:         envInt("MAX_CACHE_ENTRIES", 10000),
	}
}

// ConfigureLogging applies LogLevel to the global logrus logger.
func ConfigureLogging(level string) {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch strings.ToLower(level) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDurationSec(key string, defSec int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return time.Duration(defSec) * time.Second
}
