// Package config loads the process configuration from the environment and an
// optional .env file, and owns the runtime-mutable settings snapshot.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultHost      = "0.0.0.0"
	DefaultPort      = 8045
	DefaultTimeoutMS = 180_000
	DefaultUserAgent = "antigravity/1.11.3 windows/amd64"

	DefaultGoogleClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	DefaultGoogleClientSecret = "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"
)

// Config is the immutable startup configuration. Fields that can change at
// runtime are mirrored into the Settings snapshot.
type Config struct {
	Host string
	Port int

	APIUserAgent string
	TimeoutMS    int
	Proxy        string

	APIKey string

	RetryStatusCodes []int
	RetryMaxAttempts int

	Debug string

	EndpointMode string

	GoogleClientID     string
	GoogleClientSecret string

	DataDir       string
	WebUIPassword string

	Gemini3MediaResolution string

	// SignatureRetentionDays bounds the on-disk signature log retention.
	SignatureRetentionDays int
}

// Load reads .env (if present) and the environment, applying defaults.
func Load() *Config {
	loadDotenv()

	cfg := &Config{
		Host:                   envOr("HOST", DefaultHost),
		Port:                   envIntOr("PORT", DefaultPort),
		APIUserAgent:           envOr("API_USER_AGENT", DefaultUserAgent),
		TimeoutMS:              envIntOr("TIMEOUT", DefaultTimeoutMS),
		Proxy:                  os.Getenv("PROXY"),
		APIKey:                 os.Getenv("API_KEY"),
		RetryStatusCodes:       parseStatusCodes(os.Getenv("RETRY_STATUS_CODES")),
		RetryMaxAttempts:       envIntOr("RETRY_MAX_ATTEMPTS", 3),
		Debug:                  envOr("DEBUG", "off"),
		EndpointMode:           envOr("ENDPOINT_MODE", EndpointModeDaily),
		GoogleClientID:         os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:     os.Getenv("GOOGLE_CLIENT_SECRET"),
		DataDir:                envOr("DATA_DIR", "./data"),
		WebUIPassword:          os.Getenv("WEBUI_PASSWORD"),
		Gemini3MediaResolution: os.Getenv("GEMINI3_MEDIA_RESOLUTION"),
		SignatureRetentionDays: envIntOr("SIGNATURE_RETENTION_DAYS", 3),
	}
	return cfg
}

// EffectiveGoogleClientID falls back to the built-in client id when unset.
func (c *Config) EffectiveGoogleClientID() string {
	if v := strings.TrimSpace(c.GoogleClientID); v != "" {
		return v
	}
	return DefaultGoogleClientID
}

// EffectiveGoogleClientSecret falls back to the built-in secret when unset.
func (c *Config) EffectiveGoogleClientSecret() string {
	if v := strings.TrimSpace(c.GoogleClientSecret); v != "" {
		return v
	}
	return DefaultGoogleClientSecret
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("config: invalid integer %q for %s, using %d", v, key, def)
		return def
	}
	return n
}

func parseStatusCodes(value string) []int {
	var out []int
	for _, part := range strings.Split(value, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil {
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return []int{429, 500}
	}
	return out
}

func loadDotenv() {
	path := FindDotenvPath()
	if path == "" {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Warnf("config: load %s: %v", path, err)
	}
}

// FindDotenvPath walks from the working directory upward looking for a .env
// file, stopping at a repository boundary (go.mod or .git).
func FindDotenvPath() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ".env")
		if info, errStat := os.Stat(candidate); errStat == nil && !info.IsDir() {
			return candidate
		}
		if isRepoBoundary(dir) {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func isRepoBoundary(dir string) bool {
	if info, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil && !info.IsDir() {
		return true
	}
	if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
		return true
	}
	return false
}
