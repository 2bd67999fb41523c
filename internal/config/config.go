package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr       string
	CORSOrigin string

	SessionSecret string
	SessionTTL    time.Duration

	AdminPassword string

	// GitHub-backed storage. When Owner is empty the server falls back to a
	// local git repository under DataDir.
	GitHubOwner      string
	GitHubRepo       string
	GitHubBranch     string
	GitHubToken      string
	GitHubAPIVersion string

	DataDir  string
	AuditDir string

	RedisURL string
}

func Load() Config {
	dataDir := getenv("LOCAL_DB_ROOT", "./data")
	return Config{
		Addr:             getenv("API_ADDR", ":3000"),
		CORSOrigin:       getenv("PULSEBOARD_CORS_ORIGIN", "*"),
		SessionSecret:    getenv("SESSION_SECRET", "local-dev-secret-key-123"),
		SessionTTL:       time.Duration(getenvInt("SESSION_TTL_SECONDS", 86400)) * time.Second,
		AdminPassword:    getenv("ADMIN_PASSWORD", "admin"),
		GitHubOwner:      getenv("GITHUB_OWNER", ""),
		GitHubRepo:       getenv("GITHUB_REPO", ""),
		GitHubBranch:     getenv("GITHUB_BRANCH", "main"),
		GitHubToken:      getenv("GITHUB_TOKEN", ""),
		GitHubAPIVersion: getenv("GITHUB_API_VERSION", "2022-11-28"),
		DataDir:          dataDir,
		AuditDir:         getenv("PULSEBOARD_AUDIT_DIR", dataDir+"/db/logs"),
		RedisURL:         getenv("REDIS_URL", "redis://localhost:6379/0"),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
