package config

import (
	"os"
	"strconv"
	"time"
)

// Environment variables honored by the runtime. They are read exactly once,
// at construction, via LoadEnv.
const (
	ThrottleIntervalEnv = "COG_THROTTLE_RESPONSE_INTERVAL"
	WebhookAuthTokenEnv = "WEBHOOK_AUTH_TOKEN" //nolint:gosec // env var name, not a credential
	WeightsEnv          = "COG_WEIGHTS"
)

const DefaultThrottleInterval = 500 * time.Millisecond

// Config holds all configuration for the model runner service
type Config struct {
	// Server configuration
	Host string
	Port int

	// Mode configuration
	AwaitExplicitShutdown bool

	// Directory configuration
	WorkingDirectory string
	StateDirectory   string
	UploadURL        string

	// Worker configuration
	WorkerBinary        string
	PredictorName       string
	Weights             string
	PredictTimeout      time.Duration
	ShutdownGracePeriod time.Duration
	CleanupTimeout      time.Duration

	// Webhook configuration
	WebhookThrottleInterval time.Duration
	WebhookAuthToken        string

	// Force shutdown channel
	ForceShutdown chan<- struct{}
}

// LoadEnv captures environment-driven settings into cfg. Request paths never
// re-read the environment.
func (c *Config) LoadEnv() {
	c.WebhookThrottleInterval = DefaultThrottleInterval
	if v, ok := os.LookupEnv(ThrottleIntervalEnv); ok {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
			c.WebhookThrottleInterval = time.Duration(secs * float64(time.Second))
		}
	}
	c.WebhookAuthToken = os.Getenv(WebhookAuthTokenEnv)
	c.Weights = os.Getenv(WeightsEnv)
}
