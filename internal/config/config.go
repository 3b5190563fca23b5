package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// HTTP holds server settings.
type HTTP struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Workspace describes the managed container policy.
type Workspace struct {
	DefaultImage string
	Dir          string // working directory inside the container
	UploadsDir   string // where uploaded files land
	PoolSize     int    // how many canonical containers to keep alive
	ExecTimeout  time.Duration
	OutputLimit  int64 // bytes; exceeding it fails the exec call
}

// Gemini holds LLM API settings.
type Gemini struct {
	APIKey  string
	Model   string
	BaseURL string
}

type Config struct {
	HTTP      HTTP
	Workspace Workspace
	Gemini    Gemini
}

const defaultOutputLimit = 5 * 1024 * 1024

func FromEnv() (Config, error) {
	http := HTTP{
		Host:            getEnv("HTTP_HOST", "0.0.0.0"),
		Port:            getInt("HTTP_PORT", 3000),
		ShutdownTimeout: getDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
	}

	workspace := Workspace{
		DefaultImage: getEnv("WORKSPACE_IMAGE", "ubuntu:latest"),
		Dir:          getEnv("WORKSPACE_DIR", "/workspace"),
		UploadsDir:   getEnv("WORKSPACE_UPLOADS_DIR", "/workspace/uploads"),
		PoolSize:     getInt("POOL_SIZE", 1),
		ExecTimeout:  getDuration("EXEC_TIMEOUT", 60*time.Second),
		OutputLimit:  int64(getInt("EXEC_OUTPUT_LIMIT", defaultOutputLimit)),
	}
	if workspace.PoolSize < 1 {
		workspace.PoolSize = 1
	}
	if workspace.OutputLimit <= 0 {
		workspace.OutputLimit = defaultOutputLimit
	}

	gemini := Gemini{
		APIKey:  getEnv("GOOGLE_API_KEY", ""),
		Model:   getEnv("GEMINI_MODEL", "gemini-2.0-flash-001"),
		BaseURL: getEnv("GEMINI_BASE_URL", ""),
	}

	if http.Port <= 0 || http.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port: %d", http.Port)
	}

	return Config{HTTP: http, Workspace: workspace, Gemini: gemini}, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
