package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lalith-99/hghs/internal/matrix"
)

type Config struct {
	ListenAddr           string
	FederationListenAddr string

	PublicURL  string
	ServerName string

	JWTSecret             string
	JWTAlgorithm          string
	AccessTokenExpiration int // minutes

	DefaultRoomVersion       matrix.RoomVersion
	RegistrationSharedSecret string
	EnableRegistration       bool
	PasswordIterations       int
	NonceTTL                 time.Duration
	SyncMaxTimeout           time.Duration

	StorageURL   string
	RedisURL     string
	InitialUsers []InitialUser

	LogLevel string
	Env      string
}

// InitialUser is one "user:pass" entry of BACKEND_INITIAL_USERS.
type InitialUser struct {
	Username string
	Password string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:               listenAddr(),
		FederationListenAddr:     GetEnv("FEDERATION_LISTEN_ADDR", ""),
		PublicURL:                GetEnv("BACKEND_PUBLIC_URL", "http://localhost:8008"),
		ServerName:               GetEnv("BACKEND_HOSTNAME", "localhost"),
		JWTSecret:                GetEnv("BACKEND_JWT_SECRET", ""),
		JWTAlgorithm:             GetEnv("BACKEND_JWT_ALG", "HS256"),
		RegistrationSharedSecret: GetEnv("BACKEND_REGISTRATION_SHARED_SECRET", ""),
		StorageURL:               GetEnv("BACKEND_STORAGE", "memory:"),
		RedisURL:                 GetEnv("BACKEND_REDIS_URL", ""),
		Env:                      GetEnv("ENV", "development"),
		LogLevel:                 logLevel(),
	}

	var err error
	if cfg.AccessTokenExpiration, err = getInt("BACKEND_ACCESS_TOKEN_EXPIRATION_TIME", 300); err != nil {
		return nil, err
	}
	if cfg.PasswordIterations, err = getInt("BACKEND_PASSWORD_ITERATIONS", 100000); err != nil {
		return nil, err
	}
	if cfg.EnableRegistration, err = getBool("BACKEND_ENABLE_REGISTRATION", false); err != nil {
		return nil, err
	}
	if cfg.NonceTTL, err = getDuration("BACKEND_NONCE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SyncMaxTimeout, err = getDuration("BACKEND_SYNC_MAX_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DefaultRoomVersion, err = matrix.ParseRoomVersion(GetEnv("BACKEND_DEFAULT_ROOM_VERSION", "10")); err != nil {
		return nil, fmt.Errorf("BACKEND_DEFAULT_ROOM_VERSION: %w", err)
	}
	if cfg.InitialUsers, err = ParseInitialUsers(GetEnv("BACKEND_INITIAL_USERS", "")); err != nil {
		return nil, fmt.Errorf("BACKEND_INITIAL_USERS: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("BACKEND_JWT_SECRET is required")
	}
	switch c.JWTAlgorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("BACKEND_JWT_ALG: unsupported algorithm %q", c.JWTAlgorithm)
	}
	if c.ServerName == "" {
		return fmt.Errorf("BACKEND_HOSTNAME must not be empty")
	}
	if c.AccessTokenExpiration <= 0 {
		return fmt.Errorf("BACKEND_ACCESS_TOKEN_EXPIRATION_TIME must be positive")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	return nil
}

// listenAddr honours BACKEND_URL and falls back to PORT.
func listenAddr() string {
	if addr := GetEnv("BACKEND_URL", ""); addr != "" {
		return addr
	}
	if port := GetEnv("PORT", ""); port != "" {
		return ":" + port
	}
	return ":8008"
}

// ParseInitialUsers parses "user:pass;user:pass". Only the first colon
// separates, so passwords may contain ':'.
func ParseInitialUsers(raw string) ([]InitialUser, error) {
	var users []InitialUser
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		username, password, ok := strings.Cut(entry, ":")
		if !ok || username == "" || password == "" {
			return nil, fmt.Errorf("entry %d: expected user:password", len(users)+1)
		}
		users = append(users, InitialUser{Username: username, Password: password})
	}
	return users, nil
}

// logLevel reads BACKEND_LOG_LEVEL, falling back to LOG_LEVEL. Besides the
// zap level names it accepts ALL and NONE, which map to debug and fatal.
func logLevel() string {
	level := GetEnv("BACKEND_LOG_LEVEL", "")
	if level == "" {
		level = GetEnv("LOG_LEVEL", "")
	}
	if level == "" {
		return "info"
	}
	level = strings.ToLower(strings.TrimSpace(level))
	switch level {
	case "all":
		return "debug"
	case "none":
		return "fatal"
	}
	return level
}

func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, raw)
	}
	return v, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %q is not a boolean", key, raw)
	}
	return v, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", key, raw)
	}
	return v, nil
}
