package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GOOGLE_CLOUD_PROJECT", "test-project")
	t.Setenv("IDENTITY_SECRET", "test-secret")
}

func TestLoad(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("DISCORD_WEBHOOK_URL", "https://test.webhook")
	t.Setenv("ADMIN_EMAIL", "  Owner@Example.com ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ProjectID != "test-project" {
		t.Errorf("Expected test-project, got %s", cfg.ProjectID)
	}
	if cfg.Port != "9090" {
		t.Errorf("Expected 9090, got %s", cfg.Port)
	}
	if cfg.DiscordWebhookURL != "https://test.webhook" {
		t.Errorf("Expected https://test.webhook, got %s", cfg.DiscordWebhookURL)
	}
	if cfg.AdminEmail != "owner@example.com" {
		t.Errorf("Expected normalized admin email, got %q", cfg.AdminEmail)
	}
	if cfg.RealtimeBackend != BackendFirestore || cfg.DocumentBackend != BackendFirestore {
		t.Errorf("Expected firestore backends by default, got %s/%s", cfg.RealtimeBackend, cfg.DocumentBackend)
	}
	if cfg.IdentityTTL != 720*time.Hour {
		t.Errorf("Expected default IdentityTTL 720h, got %s", cfg.IdentityTTL)
	}
	if cfg.SessionIdleTimeout != 30*time.Minute {
		t.Errorf("Expected default SessionIdleTimeout 30m, got %s", cfg.SessionIdleTimeout)
	}
	if !cfg.RemoteLogs {
		t.Error("Expected remote logs enabled by default")
	}
	if cfg.AdminUID != "admin" {
		t.Errorf("Expected default admin uid, got %q", cfg.AdminUID)
	}
	if cfg.LikeRateLimit != 5 {
		t.Errorf("Expected default like rate limit 5, got %v", cfg.LikeRateLimit)
	}
}

func TestLoad_MissingProjectID(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	t.Setenv("IDENTITY_SECRET", "test-secret")

	if _, err := Load(); err == nil {
		t.Error("Load() should return an error when GOOGLE_CLOUD_PROJECT is not set")
	}
}

func TestLoad_MemoryBackendsWithoutProject(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	t.Setenv("IDENTITY_SECRET", "test-secret")
	t.Setenv("REALTIME_BACKEND", "memory")
	t.Setenv("DOCUMENT_BACKEND", "Memory")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.RealtimeBackend != BackendMemory || cfg.DocumentBackend != BackendMemory {
		t.Errorf("Expected memory backends, got %s/%s", cfg.RealtimeBackend, cfg.DocumentBackend)
	}
}

func TestLoad_MissingIdentitySecret(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "test-project")
	t.Setenv("IDENTITY_SECRET", "")

	if _, err := Load(); err == nil {
		t.Error("Load() should return an error when IDENTITY_SECRET is not set")
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	setRequired(t)
	t.Setenv("REALTIME_BACKEND", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Error("Load() should reject an unknown REALTIME_BACKEND")
	}
}

func TestLoad_RedisBackend(t *testing.T) {
	setRequired(t)
	t.Setenv("REALTIME_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.RedisAddr != "redis:6380" || cfg.RedisDB != 3 {
		t.Errorf("Unexpected redis config: %s db=%d", cfg.RedisAddr, cfg.RedisDB)
	}
}

func TestLoad_InvalidRedisDB(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_DB", "zero")

	if _, err := Load(); err == nil {
		t.Error("Load() should return error for invalid REDIS_DB")
	}
}

func TestLoad_InvalidDurations(t *testing.T) {
	for _, key := range []string{"IDENTITY_TTL", "SESSION_IDLE_TIMEOUT"} {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, "not-a-duration")

			if _, err := Load(); err == nil {
				t.Errorf("Load() should return error for invalid %s", key)
			}
		})
	}
}

func TestLoad_RemoteLogsDisabled(t *testing.T) {
	setRequired(t)
	t.Setenv("ENABLE_REMOTE_LOGS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.RemoteLogs {
		t.Error("Expected remote logs disabled")
	}
}

func TestLoad_EmptyLocalStorePath(t *testing.T) {
	setRequired(t)
	t.Setenv("LOCAL_STORE_PATH", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.LocalStorePath != "" {
		t.Errorf("Expected empty LocalStorePath to select the in-memory store, got %q", cfg.LocalStorePath)
	}
}

func TestLoad_InvalidLikeRateLimit(t *testing.T) {
	setRequired(t)
	t.Setenv("LIKE_RATE_LIMIT", "-1")

	if _, err := Load(); err == nil {
		t.Error("Load() should reject a non-positive LIKE_RATE_LIMIT")
	}
}

func TestLoad_AnalyticsMaxEvents(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}
	if cfg.AnalyticsMaxEvents != 10000 {
		t.Errorf("Expected default AnalyticsMaxEvents 10000, got %d", cfg.AnalyticsMaxEvents)
	}

	t.Setenv("ANALYTICS_MAX_EVENTS", "abc")
	if _, err := Load(); err == nil {
		t.Error("Load() should reject a non-numeric ANALYTICS_MAX_EVENTS")
	}
}
