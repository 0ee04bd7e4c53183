// Package config loads and validates the environment-driven settings
// shared by the bot and web processes. A .env file in the working
// directory is honored, which keeps local development and the deployed
// systemd units on the same configuration surface.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Shared.
	DatabasePath   string
	BaseURL        string // external base URL of the web process, no trailing slash
	Homeserver     string // e.g. https://matrix.example.org
	UserID         string // full Matrix id of the bot
	SharedSecret   string // com.devture.shared_secret_auth login secret
	PublicSpaceID  string
	PrivateSpaceID string

	// Bot only.
	SkipEvents bool

	// Web only.
	Addr             string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCAuthURL      string
	OIDCTokenURL     string
	OIDCScopes       []string
	OIDCEmailRegex   *regexp.Regexp
}

// Load reads the environment (and an optional .env file) and validates
// every setting both processes need.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:     getenvDefault("DATABASE_PATH", "data/spacegate.db"),
		BaseURL:          strings.TrimRight(os.Getenv("BASE_URL"), "/"),
		Homeserver:       strings.TrimRight(os.Getenv("MATRIX_HOMESERVER"), "/"),
		UserID:           os.Getenv("MATRIX_USER_ID"),
		SharedSecret:     os.Getenv("MATRIX_SHARED_SECRET"),
		PublicSpaceID:    os.Getenv("MATRIX_PUBLIC_SPACE_ID"),
		PrivateSpaceID:   os.Getenv("MATRIX_PRIVATE_SPACE_ID"),
		SkipEvents:       strings.EqualFold(os.Getenv("MATRIX_SKIP_EVENTS"), "true"),
		Addr:             getenvDefault("ADDR", ":8080"),
		OIDCClientID:     os.Getenv("OIDC_CLIENT_ID"),
		OIDCClientSecret: os.Getenv("OIDC_CLIENT_SECRET"),
		OIDCAuthURL:      os.Getenv("OIDC_AUTH_URL"),
		OIDCTokenURL:     os.Getenv("OIDC_TOKEN_URL"),
	}
	if scopes := os.Getenv("OIDC_SCOPES"); scopes != "" {
		cfg.OIDCScopes = strings.Fields(scopes)
	}

	for name, val := range map[string]string{
		"BASE_URL":          cfg.BaseURL,
		"MATRIX_HOMESERVER": cfg.Homeserver,
		"MATRIX_USER_ID":    cfg.UserID,
	} {
		if val == "" {
			return nil, fmt.Errorf("config: %s is required", name)
		}
	}

	if err := validateUserID(cfg.UserID); err != nil {
		return nil, fmt.Errorf("config: MATRIX_USER_ID: %w", err)
	}
	if err := validateRoomID(cfg.PublicSpaceID); err != nil {
		return nil, fmt.Errorf("config: MATRIX_PUBLIC_SPACE_ID: %w", err)
	}
	if err := validateRoomID(cfg.PrivateSpaceID); err != nil {
		return nil, fmt.Errorf("config: MATRIX_PRIVATE_SPACE_ID: %w", err)
	}

	pattern := getenvDefault("OIDC_EMAIL_REGEX", `.*`)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("config: OIDC_EMAIL_REGEX: %w", err)
	}
	cfg.OIDCEmailRegex = re

	return cfg, nil
}

// RedirectURL is the OIDC callback endpoint exposed by the web process.
func (c *Config) RedirectURL() string {
	return c.BaseURL + "/authorize"
}

func validateUserID(id string) error {
	if !strings.HasPrefix(id, "@") {
		return fmt.Errorf("user ids must start with @")
	}
	if !strings.Contains(id, ":") {
		return fmt.Errorf("user ids must contain the localpart-server separator :")
	}
	return nil
}

func validateRoomID(id string) error {
	if !strings.HasPrefix(id, "!") {
		return fmt.Errorf("room ids must start with !")
	}
	if !strings.Contains(id, ":") {
		return fmt.Errorf("room ids must contain the localpart-server separator :")
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
