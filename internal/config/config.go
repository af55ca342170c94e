// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the tunable settings.
const (
	DefaultCheckInterval        = 300 * time.Second
	DefaultMaxItemsPerCheck     = 10
	DefaultMaxConcurrentFetches = 4
	DefaultSendRatePerSec       = 20
	DefaultDispatchQueueSize    = 256
	DefaultSeenRetentionDays    = 30
	DefaultSeenMaxPerWatch      = 500
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AllowedUsers     []int64

	CheckInterval        time.Duration
	MaxItemsPerCheck     int
	MaxConcurrentFetches int
	SendRatePerSec       int
	DispatchQueueSize    int
	SeenRetentionDays    int
	SeenMaxPerWatch      int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/bot.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	var allowedUsers []int64
	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			allowedUsers = append(allowedUsers, uid)
		}
	}

	checkSeconds, err := intEnv("CHECK_INTERVAL_SECONDS", int(DefaultCheckInterval/time.Second), 30, 86400)
	if err != nil {
		return nil, err
	}
	maxItems, err := intEnv("MAX_ITEMS_PER_CHECK", DefaultMaxItemsPerCheck, 1, 100)
	if err != nil {
		return nil, err
	}
	maxFetches, err := intEnv("MAX_CONCURRENT_FETCHES", DefaultMaxConcurrentFetches, 1, 64)
	if err != nil {
		return nil, err
	}
	sendRate, err := intEnv("SEND_RATE_PER_SEC", DefaultSendRatePerSec, 1, 100)
	if err != nil {
		return nil, err
	}
	queueSize, err := intEnv("DISPATCH_QUEUE_SIZE", DefaultDispatchQueueSize, 1, 10000)
	if err != nil {
		return nil, err
	}
	retentionDays, err := intEnv("SEEN_RETENTION_DAYS", DefaultSeenRetentionDays, 1, 365)
	if err != nil {
		return nil, err
	}
	seenMax, err := intEnv("SEEN_MAX_PER_WATCH", DefaultSeenMaxPerWatch, 10, 100000)
	if err != nil {
		return nil, err
	}

	return &Config{
		TelegramBotToken:     token,
		DatabasePath:         dbPath,
		LogLevel:             logLevel,
		AllowedUsers:         allowedUsers,
		CheckInterval:        time.Duration(checkSeconds) * time.Second,
		MaxItemsPerCheck:     maxItems,
		MaxConcurrentFetches: maxFetches,
		SendRatePerSec:       sendRate,
		DispatchQueueSize:    queueSize,
		SeenRetentionDays:    retentionDays,
		SeenMaxPerWatch:      seenMax,
	}, nil
}

func intEnv(name string, def, minVal, maxVal int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if v < minVal || v > maxVal {
		return 0, fmt.Errorf("%s must be between %d and %d, got %d", name, minVal, maxVal, v)
	}
	return v, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
