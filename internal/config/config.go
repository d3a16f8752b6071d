package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr          string
	StoreBackend        string
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	JWTSecret           string
	JWTIssuer           string
	RotationInterval    time.Duration
	CredentialWindow    time.Duration
	CredentialByteLen   int
	NotifyBufferSize    int
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:          envOrDefault("PRESENCE_LISTEN_ADDR", ":8080"),
		StoreBackend:        envOrDefault("PRESENCE_STORE_BACKEND", "memory"),
		DatabaseURL:         os.Getenv("PRESENCE_DATABASE_URL"),
		RedisAddr:           envOrDefault("PRESENCE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:       os.Getenv("PRESENCE_REDIS_PASSWORD"),
		JWTSecret:           os.Getenv("PRESENCE_JWT_SECRET"),
		JWTIssuer:           os.Getenv("PRESENCE_JWT_ISSUER"),
		RotationInterval:    time.Duration(ParsePositiveIntEnv("PRESENCE_ROTATION_INTERVAL_MS", 30000)) * time.Millisecond,
		CredentialWindow:    time.Duration(ParsePositiveIntEnv("PRESENCE_CREDENTIAL_WINDOW_MS", 30000)) * time.Millisecond,
		CredentialByteLen:   ParsePositiveIntEnv("PRESENCE_CREDENTIAL_BYTES", 32),
		NotifyBufferSize:    ParsePositiveIntEnv("PRESENCE_NOTIFY_BUFFER", 64),
		ShutdownGracePeriod: time.Duration(ParsePositiveIntEnv("PRESENCE_SHUTDOWN_GRACE_MS", 10000)) * time.Millisecond,
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("PRESENCE_JWT_SECRET is required")
	}
	switch cfg.StoreBackend {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("PRESENCE_DATABASE_URL is required for postgres backend")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return Config{}, fmt.Errorf("PRESENCE_REDIS_ADDR is required for redis backend")
		}
	default:
		return Config{}, fmt.Errorf("PRESENCE_STORE_BACKEND must be one of memory|postgres|redis")
	}
	return cfg, nil
}

func envOrDefault(k, v string) string {
	if raw := strings.TrimSpace(os.Getenv(k)); raw != "" {
		return raw
	}
	return v
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}
