// Package config loads the backend and proxy daemons' settings from the
// environment: getEnv/getEnvInt helpers, no external config framework.
package config

import (
	"os"
	"strconv"
	"time"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}

// Backend holds every environment key the session coordination engine
// reads at startup.
type Backend struct {
	ListenAddr string
	DevMode    bool

	SessionSecret  string
	ProxyJWTSecret string

	ProxyDisconnectGrace time.Duration
	ViewerQueueCapacity  int
	ProxyOutputWindow    int
	HistoryReplayLimit   int

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	CacheEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string

	LogLevel  string
	LogPretty bool
}

// LoadBackend reads the backend's configuration from the environment.
// DevMode binds every connection to a fixed test user and must never be set
// in production.
func LoadBackend() Backend {
	return Backend{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		DevMode:    getEnvBool("DEV_MODE", false),

		SessionSecret:  getEnv("SESSION_SECRET", ""),
		ProxyJWTSecret: getEnv("PROXY_JWT_SECRET", ""),

		ProxyDisconnectGrace: time.Duration(getEnvInt("PROXY_DISCONNECT_GRACE_SECS", 0)) * time.Second,
		ViewerQueueCapacity:  getEnvInt("VIEWER_QUEUE_CAPACITY", 0),
		ProxyOutputWindow:    getEnvInt("PROXY_OUTPUT_WINDOW", 0),
		HistoryReplayLimit:   getEnvInt("HISTORY_REPLAY_LIMIT", 0),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "portal"),
		DBPassword: getEnv("DB_PASSWORD", "portal"),
		DBName:     getEnv("DB_NAME", "portal"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		CacheEnabled:  getEnvBool("CACHE_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),
	}
}

// Proxy holds every environment key the proxy daemon reads at startup.
type Proxy struct {
	BackendURL       string
	AuthToken        string
	SessionName      string
	WorkingDirectory string
	AgentBinaryPath  string
	OutputBufferCap  int
	AgentType        string

	LogLevel  string
	LogPretty bool
}

func LoadProxy() Proxy {
	cwd, _ := os.Getwd()
	return Proxy{
		BackendURL:       getEnv("BACKEND_URL", "ws://localhost:8080"),
		AuthToken:        getEnv("AUTH_TOKEN", ""),
		SessionName:      getEnv("SESSION_NAME", ""),
		WorkingDirectory: getEnv("WORKING_DIRECTORY", cwd),
		AgentBinaryPath:  getEnv("AGENT_BINARY_PATH", "claude"),
		OutputBufferCap:  getEnvInt("OUTPUT_BUFFER_CAPACITY", 10000),
		AgentType:        getEnv("AGENT_TYPE", "claude"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvBool("LOG_PRETTY", false),
	}
}
