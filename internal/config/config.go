package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
	BackendMemory    = "memory"
)

type Config struct {
	ProjectID          string
	CredentialsFile    string
	Port               string
	RealtimeBackend    string
	DocumentBackend    string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	LocalStorePath     string
	IdentitySecret     string
	IdentityTTL        time.Duration
	AdminEmail         string
	AdminPasswordHash  string
	AdminUID           string
	DiscordWebhookURL  string
	RemoteLogs         bool
	SessionIdleTimeout time.Duration
	LikeRateLimit      float64
	AnalyticsMaxEvents int
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	realtimeBackend := strings.ToLower(os.Getenv("REALTIME_BACKEND"))
	if realtimeBackend == "" {
		realtimeBackend = BackendFirestore
	}
	if realtimeBackend != BackendFirestore && realtimeBackend != BackendRedis && realtimeBackend != BackendMemory {
		return nil, fmt.Errorf("invalid REALTIME_BACKEND %q", realtimeBackend)
	}

	documentBackend := strings.ToLower(os.Getenv("DOCUMENT_BACKEND"))
	if documentBackend == "" {
		documentBackend = BackendFirestore
	}
	if documentBackend != BackendFirestore && documentBackend != BackendMemory {
		return nil, fmt.Errorf("invalid DOCUMENT_BACKEND %q", documentBackend)
	}

	projectID := os.Getenv("GOOGLE_CLOUD_PROJECT")
	if projectID == "" && (realtimeBackend == BackendFirestore || documentBackend == BackendFirestore) {
		return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT environment variable is required for the firestore backend but not set")
	}

	identitySecret := os.Getenv("IDENTITY_SECRET")
	if identitySecret == "" {
		return nil, fmt.Errorf("IDENTITY_SECRET environment variable is required but not set")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
		slog.Info("Defaulting to port", "port", port)
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		redisDB = parsed
	}

	localStorePath, ok := os.LookupEnv("LOCAL_STORE_PATH")
	if !ok {
		localStorePath = "data"
	}

	identityTTL, err := durationEnv("IDENTITY_TTL", "720h")
	if err != nil {
		return nil, err
	}

	sessionIdleTimeout, err := durationEnv("SESSION_IDLE_TIMEOUT", "30m")
	if err != nil {
		return nil, err
	}

	adminUID := os.Getenv("ADMIN_UID")
	if adminUID == "" {
		adminUID = "admin"
	}

	adminPasswordHash := os.Getenv("ADMIN_PASSWORD_HASH")
	if adminPasswordHash == "" {
		slog.Warn("ADMIN_PASSWORD_HASH not set, admin login is disabled")
	}

	discordWebhookURL := os.Getenv("DISCORD_WEBHOOK_URL")
	if discordWebhookURL == "" {
		slog.Warn("DISCORD_WEBHOOK_URL not set, chat notifications will be skipped")
	}

	likeRateLimit := 5.0
	if v := os.Getenv("LIKE_RATE_LIMIT"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid LIKE_RATE_LIMIT %q", v)
		}
		likeRateLimit = parsed
	}

	analyticsMaxEvents := 10000
	if v := os.Getenv("ANALYTICS_MAX_EVENTS"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("invalid ANALYTICS_MAX_EVENTS %q", v)
		}
		analyticsMaxEvents = parsed
	}

	return &Config{
		ProjectID:          projectID,
		CredentialsFile:    os.Getenv("FIREBASE_CREDENTIALS_FILE"),
		Port:               port,
		RealtimeBackend:    realtimeBackend,
		DocumentBackend:    documentBackend,
		RedisAddr:          redisAddr,
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            redisDB,
		LocalStorePath:     localStorePath,
		IdentitySecret:     identitySecret,
		IdentityTTL:        identityTTL,
		AdminEmail:         strings.ToLower(strings.TrimSpace(os.Getenv("ADMIN_EMAIL"))),
		AdminPasswordHash:  adminPasswordHash,
		AdminUID:           adminUID,
		DiscordWebhookURL:  discordWebhookURL,
		RemoteLogs:         os.Getenv("ENABLE_REMOTE_LOGS") != "false",
		SessionIdleTimeout: sessionIdleTimeout,
		LikeRateLimit:      likeRateLimit,
		AnalyticsMaxEvents: analyticsMaxEvents,
	}, nil
}

func durationEnv(key, fallback string) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		raw = fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
