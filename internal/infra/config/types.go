package config

import "strings"

// Environment identifies the runtime environment where stratdesk operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// CacheDriver selects the durable cache backend.
type CacheDriver string

const (
	// CacheMemory keeps run state in process memory only.
	CacheMemory CacheDriver = "memory"
	// CacheFile persists run state to a JSON document on disk.
	CacheFile CacheDriver = "file"
	// CachePostgres persists run state to PostgreSQL.
	CachePostgres CacheDriver = "postgres"
)

func normalizeToken(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
