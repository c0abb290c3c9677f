// Package config reads server settings from the environment, with an optional
// .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

var ErrMissingSecret = errors.New("JWT_SECRET is required")

type Config struct {
	Addr            string
	DatabaseURL     string
	RedisURL        string
	JWTSecret       string
	JWTIssuer       string
	InstanceID      string
	LogDev          bool
	JoinTimeout     time.Duration
	ShareCacheTTL   time.Duration
	MaxFramesPerSec float64
	AllowedOrigins  []string
}

// Load reads files (default ".env") without overriding variables already set.
// A missing file is not an error.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}
	var errs []error
	dur := func(key string, def time.Duration) time.Duration {
		d, err := time.ParseDuration(get(key, def.String()))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return def
		}
		return d
	}

	c := Config{
		Addr:          get("ADDR", ":8080"),
		DatabaseURL:   get("DATABASE_URL", ""),
		RedisURL:      get("REDIS_URL", ""),
		JWTSecret:     get("JWT_SECRET", ""),
		JWTIssuer:     get("JWT_ISSUER", "diagram-collab"),
		InstanceID:    get("INSTANCE_ID", ""),
		JoinTimeout:   dur("JOIN_TIMEOUT", 10*time.Second),
		ShareCacheTTL: dur("SHARE_CACHE_TTL", time.Minute),
	}
	if v := get("LOG_DEV", "false"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LOG_DEV: %w", err))
		}
		c.LogDev = b
	}
	fps, err := strconv.ParseFloat(get("MAX_FRAMES_PER_SEC", "60"), 64)
	if err != nil || fps <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FRAMES_PER_SEC: must be a positive number"))
		fps = 60
	}
	c.MaxFramesPerSec = fps
	for _, o := range strings.Split(get("ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, o)
		}
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingSecret)
	}
	return c, multierr.Combine(errs...)
}
