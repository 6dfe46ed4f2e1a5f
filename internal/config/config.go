// Package config loads process settings from the environment (and an
// optional .env file), mirroring the DSR_* variables of the original
// Python settings module.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every tunable the reconciler, rollout coordinator,
// gateway, and alerting layer read at startup.
type Config struct {
	DBPath          string
	PollIntervalS   int
	DockerNetwork   string
	GatewayTimeoutS int
	FailThreshold   int
	Engine          string // "docker" or "containerd"

	EnableEmail  bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string
	EmailTo      string

	AllowExternalTargets bool
}

// Load reads .env (if present, silently ignored otherwise) then the
// process environment, applying the same defaults as the original
// settings module.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DBPath:          envString("DSR_DB_PATH", "dsr.db"),
		PollIntervalS:   envInt("DSR_POLL_INTERVAL_S", 5),
		DockerNetwork:   envString("DSR_DOCKER_NETWORK", "dsr"),
		GatewayTimeoutS: envInt("DSR_GATEWAY_TIMEOUT_S", 10),
		FailThreshold:   envInt("DSR_FAIL_THRESHOLD", 2),
		Engine:          envString("DSR_ENGINE", "docker"),

		EnableEmail:  envBool("DSR_ENABLE_EMAIL", false),
		SMTPHost:     envString("DSR_SMTP_HOST", "smtp.gmail.com"),
		SMTPPort:     envInt("DSR_SMTP_PORT", 587),
		SMTPUser:     envString("DSR_SMTP_USER", ""),
		SMTPPassword: envString("DSR_SMTP_PASSWORD", ""),
		EmailFrom:    envString("DSR_EMAIL_FROM", ""),
		EmailTo:      envString("DSR_EMAIL_TO", ""),

		AllowExternalTargets: envBool("DSR_ALLOW_EXTERNAL_TARGETS", false),
	}
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envBool(name string, def bool) bool {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
