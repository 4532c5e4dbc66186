package vectorengine

import (
	"github.com/kelseyhightower/envconfig"
)

// Config carries engine-level defaults, populated from VECTORENGINE_*
// environment variables. Explicit options always win over the
// environment.
type Config struct {
	// Mode is the scheduler placement strategy: "default", "safe" or
	// "saturate" (VECTORENGINE_MODE).
	Mode string `envconfig:"MODE" default:"default"`

	// QueueDepth bounds the worker pool's inbound queue
	// (VECTORENGINE_QUEUE_DEPTH).
	QueueDepth int `envconfig:"QUEUE_DEPTH" default:"1024"`

	// TargetRecall is the calibration recall target
	// (VECTORENGINE_TARGET_RECALL).
	TargetRecall float64 `envconfig:"TARGET_RECALL" default:"0.95"`

	// MaxEF caps the calibration sweep (VECTORENGINE_MAX_EF).
	MaxEF int `envconfig:"MAX_EF" default:"256"`
}

// ConfigFromEnv reads Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("VECTORENGINE", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// defaultConfig returns the environment config, falling back to the
// declared defaults if the environment is malformed.
func defaultConfig() Config {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return Config{
			Mode:         "default",
			QueueDepth:   1024,
			TargetRecall: 0.95,
			MaxEF:        256,
		}
	}
	return cfg
}
