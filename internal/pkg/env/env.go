package env

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
)

var Env map[string]string

// GetEnv reads key from the loaded .env map, then the process environment.
func GetEnv(key, def string) string {
	if val, ok := Env[key]; ok {
		return val
	}
	// Fallback to OS environment variables (for Docker/tests)
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// GetEnvBool accepts true/false, 1/0 and yes/no; anything else yields def.
func GetEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(GetEnv(key, ""))) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return def
	}
}

// GetEnvInt returns def for missing, malformed or non-positive values.
func GetEnvInt(key string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(GetEnv(key, "")))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// GetEnvDuration parses Go duration syntax ("5m", "90s").
func GetEnvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(GetEnv(key, "")))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// SetupEnvFile loads the first .env found near the binary. Containers pass
// configuration through the environment, so a missing file is only fatal
// when APP_REQUIRE_ENV_FILE is set.
func SetupEnvFile() {
	// Look for .env file in project root
	envFiles := []string{
		".env",          // Current directory
		"../../.env",    // From cmd/polaris to project root
		"../../../.env", // Fallback for deeper nesting
	}

	for _, envFile := range envFiles {
		loaded, err := godotenv.Read(envFile)
		if err == nil {
			Env = loaded
			return
		}
	}

	if GetEnvBool("APP_REQUIRE_ENV_FILE", false) {
		panic("No .env file found in any of the expected locations")
	}
	log.Warn("[Env] no .env file found, using process environment only")
	Env = map[string]string{}
}

func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
