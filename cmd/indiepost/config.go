package main

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/hkdf"
)

// minSecretLength is the shortest SECRET accepted for sealing session cookies.
const minSecretLength = 16

// Config contains runtime configuration values.
type Config struct {
	// MainURL is the public base URL, also used as the IndieAuth client_id.
	MainURL         string
	Secret          string
	Port            string
	SuccessRedirect string
	CookieInsecure  bool

	ServiceClientID     string
	ServiceClientSecret string
	ServiceTokenURL     string
	ServiceScopes       []string
	TokenCacheFile      string
	RedisURL            string

	LogLevel   slog.Level
	PrettyLogs bool
}

// loadEnv reads .env files into the environment. A missing file is not an error.
func loadEnv(files ...string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// LoadConfig reads configuration from environment variables with defaults.
func LoadConfig() (Config, error) {
	mainURL, err := normalizeMainURL(os.Getenv("MAIN_URL"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		MainURL:             mainURL,
		Secret:              os.Getenv("SECRET"),
		Port:                getEnv("PORT", "8080"),
		SuccessRedirect:     getEnv("SUCCESS_REDIRECT", "/"),
		CookieInsecure:      getBool("COOKIE_INSECURE", false),
		ServiceClientID:     os.Getenv("SERVICE_CLIENT_ID"),
		ServiceClientSecret: os.Getenv("SERVICE_CLIENT_SECRET"),
		ServiceTokenURL:     os.Getenv("SERVICE_TOKEN_URL"),
		ServiceScopes:       getList("SERVICE_SCOPES", nil),
		TokenCacheFile:      getEnv("TOKEN_CACHE_FILE", ".service-token.json"),
		RedisURL:            os.Getenv("REDIS_URL"),
		LogLevel:            getLevel("LOG_LEVEL", slog.LevelInfo),
		PrettyLogs:          getBool("PRETTY_LOGS", false),
	}

	if len(cfg.Secret) < minSecretLength {
		return Config{}, fmt.Errorf("SECRET must be at least %d characters", minSecretLength)
	}
	if cfg.ServiceTokenURL != "" && cfg.ServiceClientID == "" {
		return Config{}, fmt.Errorf("SERVICE_CLIENT_ID is required when SERVICE_TOKEN_URL is set")
	}
	return cfg, nil
}

// normalizeMainURL accepts a bare host ("example.com") or an absolute URL and
// returns it without a trailing slash.
func normalizeMainURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("MAIN_URL is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("MAIN_URL %q is not a valid http(s) URL", raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// ClientID is the IndieAuth client identifier.
func (c Config) ClientID() string {
	return c.MainURL + "/"
}

// ServiceTokenEnabled reports whether a client-credentials service is configured.
func (c Config) ServiceTokenEnabled() bool {
	return c.ServiceTokenURL != ""
}

// SessionKeys derives the cookie sealing key from SECRET.
func (c Config) SessionKeys() (string, map[string][]byte, error) {
	const keyID = "1"
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(c.Secret), nil, []byte("indiepost session cookie"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return "", nil, fmt.Errorf("derive session key: %w", err)
	}
	return keyID, map[string][]byte{keyID: key}, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		var cleaned []string
		for _, p := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}

func getLevel(key string, def slog.Level) slog.Level {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return def
	}
	return lvl
}
