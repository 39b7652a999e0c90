package config

import (
    "os"
    "strconv"
    "time"
)

// Get returns an environment variable or default value.
func Get(key, def string) string {
    if v := os.Getenv(key); v != "" { return v }
    return def
}

// GetInt returns an integer environment variable or default value.
func GetInt(key string, def int) int {
    if v := os.Getenv(key); v != "" {
        if n, err := strconv.Atoi(v); err == nil { return n }
    }
    return def
}

// GetFloat returns a float environment variable or default value.
// Fractional values are accepted (e.g. BASELINE_HOURS=0.01 is 36 seconds).
func GetFloat(key string, def float64) float64 {
    if v := os.Getenv(key); v != "" {
        if f, err := strconv.ParseFloat(v, 64); err == nil { return f }
    }
    return def
}

// GetDuration returns a duration environment variable or default value.
func GetDuration(key string, def time.Duration) time.Duration {
    if v := os.Getenv(key); v != "" {
        if d, err := time.ParseDuration(v); err == nil { return d }
    }
    return def
}
