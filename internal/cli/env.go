package cli

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFiles are loaded, in order, before flags are parsed. Variables already
// set in the environment win.
var EnvFiles = []string{".env.local", ".env"}

// LoadEnv reads the env files that exist and returns the ones loaded.
func LoadEnv(files ...string) []string {
	if len(files) == 0 {
		files = EnvFiles
	}
	var loaded []string
	for _, f := range files {
		if err := godotenv.Load(f); err == nil {
			loaded = append(loaded, f)
		}
	}
	return loaded
}

// Environment variables understood by the CLI. Flags override them.
const (
	EnvEngineConfig  = "BINLENS_ENGINE_CONFIG"
	EnvConfigDir     = "BINLENS_CONFIG_DIR"
	EnvConfigHistory = "BINLENS_CONFIG_HISTORY"
	EnvArchiveDir    = "BINLENS_ARCHIVE_DIR"
	EnvRedisURL      = "BINLENS_REDIS_URL"
	EnvDatabaseURL   = "BINLENS_DATABASE_URL"
	EnvS3Endpoint    = "BINLENS_S3_ENDPOINT"
	EnvS3Bucket      = "BINLENS_S3_BUCKET"
	EnvS3AccessKey   = "BINLENS_S3_ACCESS_KEY"
	EnvS3SecretKey   = "BINLENS_S3_SECRET_KEY"
	EnvS3Region      = "BINLENS_S3_REGION"
	EnvS3UseSSL      = "BINLENS_S3_USE_SSL"
	EnvRedact        = "BINLENS_ARCHIVE_REDACT"
	EnvArchiveKey    = "BINLENS_ARCHIVE_KEY"
	EnvArchiveKeys   = "BINLENS_ARCHIVE_OLD_KEYS"
	EnvPort          = "BINLENS_PORT"
	EnvLogCapacity   = "BINLENS_LOG_CAPACITY"
	EnvCategories    = "BINLENS_CATEGORIES"
	EnvDebug         = "BINLENS_DEBUG"
)

// Env returns the value of key or def when unset or blank.
func Env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvInt returns key parsed as an int, or def.
func EnvInt(key string, def int) int {
	if v, err := strconv.Atoi(Env(key, "")); err == nil {
		return v
	}
	return def
}

// EnvList returns key split on commas, without blank items.
func EnvList(key string) []string {
	return splitList(Env(key, ""))
}

// EnvBool returns key parsed as a bool, or def.
func EnvBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(Env(key, "")); err == nil {
		return v
	}
	return def
}
