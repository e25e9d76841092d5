package database

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds database configuration. ReplicaHost is optional; when unset
// all reads go to the primary.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// ReplicaHost/ReplicaPort point at a read replica. Reads only hit it
	// when a caller explicitly asks for replica routing.
	ReplicaHost string
	ReplicaPort int

	// Connection pool settings
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// ConnectTimeout bounds establishing one connection.
	ConnectTimeout time.Duration

	// StatementTimeout is applied server-side to every statement.
	StatementTimeout time.Duration
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	replicaPort := port
	if v := os.Getenv("DB_REPLICA_PORT"); v != "" {
		replicaPort, err = strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DB_REPLICA_PORT: %w", err)
		}
	}

	maxConns, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_CONNS", "10"))
	minConns, _ := strconv.Atoi(getEnvOrDefault("DB_MIN_CONNS", "2"))

	return Config{
		Host:             getEnvOrDefault("DB_HOST", "localhost"),
		Port:             port,
		User:             getEnvOrDefault("DB_USER", "drover"),
		Password:         os.Getenv("DB_PASSWORD"),
		Database:         getEnvOrDefault("DB_NAME", "drover"),
		SSLMode:          getEnvOrDefault("DB_SSLMODE", "disable"),
		ReplicaHost:      os.Getenv("DB_REPLICA_HOST"),
		ReplicaPort:      replicaPort,
		MaxConns:         int32(maxConns),
		MinConns:         int32(minConns),
		ConnMaxLifetime:  30 * time.Minute,
		ConnMaxIdleTime:  5 * time.Minute,
		ConnectTimeout:   15 * time.Second,
		StatementTimeout: 30 * time.Second,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
