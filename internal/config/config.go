package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV,notEmpty"`
	APIAddr       string `env:"API_ADDR,notEmpty"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	GCSBucket          string `env:"GCS_BUCKET"`
	GCSCredentialsFile string `env:"GCS_CREDENTIALS_FILE"`
	MigrationsDir      string `env:"MIGRATIONS_DIR" envDefault:"internal/storage/migrations"`

	MaxConcurrentPerOwner int   `env:"MAX_CONCURRENT_PER_OWNER" envDefault:"10"`
	MaxUploadBytes        int64 `env:"MAX_UPLOAD_BYTES" envDefault:"104857600"`
	MaxStageRetries       int   `env:"MAX_STAGE_RETRIES" envDefault:"3"`
	WriteURLExpirySec     int   `env:"WRITE_URL_EXPIRY_SEC" envDefault:"900"`

	ParserCostPerMB    float64 `env:"PARSER_COST_PER_MB" envDefault:"0.002"`
	EmbedderCostPerMB  float64 `env:"EMBEDDER_COST_PER_MB" envDefault:"0.010"`
	HourlyCostCeiling  float64 `env:"HOURLY_COST_CEILING" envDefault:"5.0"`
	DailyCostCeiling   float64 `env:"DAILY_COST_CEILING" envDefault:"50.0"`

	BreakerFailureThreshold int `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerSuccessThreshold int `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	BreakerOpenTimeoutSec   int `env:"BREAKER_OPEN_TIMEOUT_SEC" envDefault:"30"`

	HealthSweepSec   int `env:"HEALTH_SWEEP_SEC" envDefault:"15"`
	JanitorTickMS    int `env:"JANITOR_TICK_MS" envDefault:"1000"`
	StuckJobAfterSec int `env:"STUCK_JOB_AFTER_SEC" envDefault:"600"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) WriteURLExpiry() time.Duration {
	return time.Duration(c.WriteURLExpirySec) * time.Second
}

func (c Config) BreakerOpenTimeout() time.Duration {
	return time.Duration(c.BreakerOpenTimeoutSec) * time.Second
}

func (c Config) HealthSweepInterval() time.Duration {
	return time.Duration(c.HealthSweepSec) * time.Second
}

func (c Config) JanitorTick() time.Duration {
	return time.Duration(c.JanitorTickMS) * time.Millisecond
}

func (c Config) StuckJobAfter() time.Duration {
	return time.Duration(c.StuckJobAfterSec) * time.Second
}
