package cryptopool

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// NoTimeout disables the job timer.
const NoTimeout time.Duration = -1

const (
	DefaultJobTimeout          = 120 * time.Second
	DefaultLateResultRetention = 5 * time.Minute
	DefaultNetwork             = "main"
)

// Config holds pool settings.
type Config struct {
	// Size is the number of worker slots.
	Size int
	// Enabled selects child processes; when false every job runs inline.
	Enabled bool
	// Timeout applies to Execute calls that pass a zero timeout.
	Timeout time.Duration
	// Network is forwarded to children in the ENV packet.
	Network string
	// MaxPayload caps inbound frame payloads. 0 disables the cap.
	MaxPayload uint32
	// LateResultRetention is how long the id of a timed-out job is remembered so that its
	// late result can be told apart from a corrupt stream.
	LateResultRetention time.Duration
	// Executable and Args start a child. An empty Executable means the platform cannot
	// spawn workers and jobs run inline.
	Executable string
	Args       []string
	KillGrace  time.Duration
	Debug      bool
}

// DefaultConfig returns a config sized to the machine.
func DefaultConfig() Config {
	return Config{
		Size:                runtime.NumCPU(),
		Enabled:             true,
		Timeout:             DefaultJobTimeout,
		Network:             DefaultNetwork,
		MaxPayload:          DefaultMaxPayload,
		LateResultRetention: DefaultLateResultRetention,
		KillGrace:           DefaultKillGrace,
	}
}

// LoadConfig reads CRYPTOPOOL_* environment variables over the defaults.
func LoadConfig() Config {
	cfg := DefaultConfig()
	cfg.Size = getEnvAsInt("CRYPTOPOOL_SIZE", cfg.Size)
	cfg.Enabled = getEnvAsBool("CRYPTOPOOL_ENABLED", cfg.Enabled)
	cfg.Timeout = getEnvAsDuration("CRYPTOPOOL_TIMEOUT", cfg.Timeout)
	cfg.Network = getEnv("CRYPTOPOOL_NETWORK", cfg.Network)
	cfg.MaxPayload = uint32(getEnvAsInt("CRYPTOPOOL_MAX_PAYLOAD", int(cfg.MaxPayload)))
	cfg.LateResultRetention = getEnvAsDuration("CRYPTOPOOL_LATE_RESULT_RETENTION", cfg.LateResultRetention)
	cfg.Executable = getEnv("CRYPTOPOOL_EXECUTABLE", cfg.Executable)
	if args := os.Getenv("CRYPTOPOOL_ARGS"); args != "" {
		cfg.Args = strings.Fields(args)
	}
	cfg.KillGrace = getEnvAsDuration("CRYPTOPOOL_KILL_GRACE", cfg.KillGrace)
	cfg.Debug = getEnvAsBool("CRYPTOPOOL_DEBUG", cfg.Debug)
	return cfg
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultJobTimeout
	}
	if c.Network == "" {
		c.Network = DefaultNetwork
	}
	if c.LateResultRetention <= 0 {
		c.LateResultRetention = DefaultLateResultRetention
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	return c
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
