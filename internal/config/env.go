package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is consulted before the bare variable name, so RWP_PORT
// beats PORT when both are set.
const EnvPrefix = "RWP_"

// LoadDotEnv overlays a .env file from the working directory, if one
// exists. Missing files are not an error.
func LoadDotEnv() {
	_ = godotenv.Overload(".env")
}

// Lookup resolves key under the RWP_ prefix first, then bare.
func Lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
		return v, true
	}
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	return "", false
}

// LookupAny resolves the first key (prefixed or bare) that is set.
func LookupAny(keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}

func GetStringEnv(key, fallback string) string {
	if v, ok := Lookup(key); ok {
		return v
	}
	return fallback
}

func GetBoolEnv(key string, fallback bool) bool {
	if v, ok := Lookup(key); ok {
		parsed, err := strconv.ParseBool(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func GetIntEnv(key string, fallback int) int {
	if v, ok := Lookup(key); ok {
		parsed, err := strconv.Atoi(v)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func GetDurationEnv(key string, fallback time.Duration) time.Duration {
	if v, ok := Lookup(key); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}
