package config

import (
	"database/sql"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cast"
)

type Config struct {
	Port                int
	DatabaseURL         string
	RedisAddr           string
	JWTSecret           string
	FFprobePath         string
	FFmpegPath          string
	MediaInfoPath       string
	TMDBAPIKey          string
	ScanWorkers         int
	ScanIntervalMinutes int
	ScanRetentionHours  int
	WatcherEnabled      bool
}

func Load() *Config {
	return &Config{
		Port:                envInt("PORT", 8080),
		DatabaseURL:         env("DATABASE_URL", "postgres://dispatcharr:dispatcharr@db:5432/dispatcharr?sslmode=disable"),
		RedisAddr:           env("REDIS_ADDR", "redis:6379"),
		JWTSecret:           env("JWT_SECRET", "change-me-in-production"),
		FFprobePath:         env("FFPROBE_PATH", "ffprobe"),
		FFmpegPath:          env("FFMPEG_PATH", "ffmpeg"),
		MediaInfoPath:       env("MEDIAINFO_PATH", "mediainfo"),
		TMDBAPIKey:          env("TMDB_API_KEY", ""),
		ScanWorkers:         envInt("SCAN_WORKERS", 2),
		ScanIntervalMinutes: envInt("SCAN_INTERVAL_MINUTES", 1440),
		ScanRetentionHours:  envInt("SCAN_RETENTION_HOURS", 72),
		WatcherEnabled:      env("WATCHER_ENABLED", "true") == "true",
	}
}

func (c *Config) MergeFromDB(db *sql.DB) {
	rows, err := db.Query("SELECT key, value FROM settings")
	if err != nil {
		log.Printf("config: skipping DB merge: %v", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		switch key {
		case "ffprobe_path":
			c.FFprobePath = value
		case "ffmpeg_path":
			c.FFmpegPath = value
		case "mediainfo_path":
			c.MediaInfoPath = value
		case "tmdb_api_key":
			c.TMDBAPIKey = value
		case "scan_workers":
			if v := cast.ToInt(value); v > 0 {
				c.ScanWorkers = v
			}
		case "scan_interval_minutes":
			if v := cast.ToInt(value); v > 0 {
				c.ScanIntervalMinutes = v
			}
		case "scan_retention_hours":
			if v := cast.ToInt(value); v > 0 {
				c.ScanRetentionHours = v
			}
		case "watcher_enabled":
			c.WatcherEnabled = cast.ToBool(value)
		}
	}
}

func (c *Config) MetadataEnabled() bool {
	return c.TMDBAPIKey != ""
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
