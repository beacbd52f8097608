package utils

import (
	"os"
	"strconv"
)

// Env returns the value of an environment variable, or defaultValue when the
// variable is unset or empty.
func Env(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// EnvBool parses an environment variable as a boolean. Unset, empty and
// unparseable values fall back to defaultValue.
func EnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
