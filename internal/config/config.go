// Package config loads process settings from the environment and the
// broadcast settings from a YAML file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads .env files into the environment. Variables that are
// already set win. With no paths, ".env" is used. A missing file is an
// error callers may ignore.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named
// by key, or fallback if it is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable
// named by key, or fallback if it is unset, empty, or not a valid
// duration.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// Env holds the process settings.
type Env struct {
	MoQAddr      string
	APIAddr      string
	SRTAddr      string // empty disables SRT ingest
	SettingsFile string
	Namespace    string // overrides the settings file when set
	CertValidity time.Duration
	Debug        bool
	LogFormat    string // "text" or "json"

	// SubscribeQueue bounds undelivered groups per subscription and
	// GroupRetention the objects a relay group keeps; 0 selects the
	// transport defaults.
	SubscribeQueue int
	GroupRetention int
}

// FromEnv reads Env from the environment.
func FromEnv() Env {
	srtAddr, set := os.LookupEnv("SRT_ADDR")
	if !set {
		srtAddr = ":6000"
	}
	return Env{
		MoQAddr:      GetEnv("MOQ_ADDR", ":4443"),
		APIAddr:      GetEnv("API_ADDR", ":4480"),
		SRTAddr:      srtAddr,
		SettingsFile: GetEnv("SETTINGS_FILE", "settings.yaml"),
		Namespace:    os.Getenv("NAMESPACE"),
		CertValidity: GetEnvDuration("CERT_VALIDITY", 14*24*time.Hour),
		Debug:        os.Getenv("DEBUG") != "",
		LogFormat:    GetEnv("LOG_FORMAT", "text"),

		SubscribeQueue: GetEnvInt("SUBSCRIBE_QUEUE", 0),
		GroupRetention: GetEnvInt("GROUP_RETENTION", 0),
	}
}
