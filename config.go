package jobrunner

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the ambient, env-driven configuration surface for a runner
// process. It is deliberately thin — Builder still owns the defaults of
// spec.md §4.5; Config only seeds them. Grounded in amitbasuri/taskqueue-go,
// a Postgres task-queue runner in the same domain that loads its worker
// config the same way.
type Config struct {
	DatabaseURL  string        `envconfig:"DATABASE_URL" required:"true"`
	NumThreads   int           `envconfig:"NUM_THREADS" default:"0"`
	MaxTasks     int           `envconfig:"MAX_TASKS" default:"0"`
	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"5s"`
	MaxRetries   int32         `envconfig:"MAX_RETRIES" default:"0"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig reads Config from the process environment using the
// "JOBRUNNER" prefix, e.g. JOBRUNNER_DATABASE_URL.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("jobrunner", &cfg); err != nil {
		return Config{}, newError("load config", err)
	}
	return cfg, nil
}
