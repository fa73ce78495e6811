package shared

import (
	"os"
	"strconv"
)

// GetenvString returns the value of key, or fallback when unset or empty.
func GetenvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// GetenvInt returns the integer value of key, or fallback when unset or
// not parseable.
func GetenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
