package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the startup parameters of the gateway. Everything is read
// from the environment once in main; packages receive plain values.
type Config struct {
	Addr string

	CouchURL       string
	CouchAdminUser string
	CouchAdminPass string

	TimesDB string
	UsersDB string
	AuditDB string

	AuthSecret string

	LoginRateWindow time.Duration
	LoginRateMax    int
}

// FromEnv builds the configuration from ZEITGATE_* environment variables.
// Store URL, service credential and signing secret are mandatory.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:            envOr("ZEITGATE_ADDR", ":8080"),
		CouchURL:        strings.TrimRight(strings.TrimSpace(os.Getenv("ZEITGATE_COUCHDB_URL")), "/"),
		CouchAdminUser:  strings.TrimSpace(os.Getenv("ZEITGATE_COUCHDB_ADMIN_USER")),
		CouchAdminPass:  os.Getenv("ZEITGATE_COUCHDB_ADMIN_PASS"),
		TimesDB:         envOr("ZEITGATE_DB_TIMES", "times"),
		UsersDB:         envOr("ZEITGATE_DB_USERS", "users"),
		AuditDB:         envOr("ZEITGATE_DB_AUDIT", "audit"),
		AuthSecret:      strings.TrimSpace(os.Getenv("ZEITGATE_AUTH_SECRET")),
		LoginRateWindow: 60 * time.Second,
		LoginRateMax:    30,
	}

	if cfg.CouchURL == "" {
		return Config{}, errors.New("config: ZEITGATE_COUCHDB_URL is required")
	}
	if cfg.CouchAdminUser == "" || cfg.CouchAdminPass == "" {
		return Config{}, errors.New("config: ZEITGATE_COUCHDB_ADMIN_USER/PASS are required")
	}
	if cfg.AuthSecret == "" {
		return Config{}, errors.New("config: ZEITGATE_AUTH_SECRET is required")
	}

	if raw := strings.TrimSpace(os.Getenv("ZEITGATE_RATE_WINDOW")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("config: invalid ZEITGATE_RATE_WINDOW %q", raw)
		}
		cfg.LoginRateWindow = d
	}
	if raw := strings.TrimSpace(os.Getenv("ZEITGATE_RATE_MAX")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: invalid ZEITGATE_RATE_MAX %q", raw)
		}
		cfg.LoginRateMax = n
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
