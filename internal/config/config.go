package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv         string `env:"APP_ENV,notEmpty"`
	APIAddr        string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr    string `env:"METRICS_ADDR" envDefault:":9090"`
	PostgresDSN    string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr      string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	MigrationsDir  string `env:"MIGRATIONS_DIR" envDefault:"internal/storage/migrations"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"false"`

	Worker    Worker    `envPrefix:"WORKER_"`
	Rate      Rate      `envPrefix:"RATE_"`
	Registrar Registrar `envPrefix:"REGISTRAR_"`
	Scheduler Scheduler `envPrefix:"SCHED_"`
	Notify    Notify    `envPrefix:"NOTIFY_"`
}

type Worker struct {
	Concurrency          int           `env:"CONCURRENCY" envDefault:"4"`
	MaxAttempts          int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase          time.Duration `env:"BACKOFF_BASE" envDefault:"2s"`
	BackoffJitter        time.Duration `env:"BACKOFF_JITTER" envDefault:"1s"`
	BackoffMax           time.Duration `env:"BACKOFF_MAX" envDefault:"1h"`
	Lease                time.Duration `env:"LEASE" envDefault:"5m"`
	JobTimeout           time.Duration `env:"JOB_TIMEOUT" envDefault:"2m"`
	PollTimeout          time.Duration `env:"POLL_TIMEOUT" envDefault:"5s"`
	ShutdownGrace        time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`
	LockRetryDelay       time.Duration `env:"LOCK_RETRY_DELAY" envDefault:"3s"`
	TransferPollInterval time.Duration `env:"TRANSFER_POLL_INTERVAL" envDefault:"1h"`
	TransferMaxPolls     int           `env:"TRANSFER_MAX_POLLS" envDefault:"168"`
}

type Rate struct {
	Enforce         bool          `env:"ENFORCE" envDefault:"true"`
	APILimit        int           `env:"API_LIMIT" envDefault:"100"`
	APIWindow       time.Duration `env:"API_WINDOW" envDefault:"1m"`
	SearchLimit     int           `env:"SEARCH_LIMIT" envDefault:"30"`
	SearchWindow    time.Duration `env:"SEARCH_WINDOW" envDefault:"1m"`
	AuthLimit       int           `env:"AUTH_LIMIT" envDefault:"5"`
	AuthWindow      time.Duration `env:"AUTH_WINDOW" envDefault:"15m"`
	RegistrarLimit  int           `env:"REGISTRAR_LIMIT" envDefault:"60"`
	RegistrarWindow time.Duration `env:"REGISTRAR_WINDOW" envDefault:"1m"`
}

type Registrar struct {
	BaseURL          string        `env:"BASE_URL"`
	APIKey           string        `env:"API_KEY"`
	Timeout          time.Duration `env:"TIMEOUT" envDefault:"15s"`
	Sandbox          bool          `env:"SANDBOX" envDefault:"false"`
	BreakerFailures  uint32        `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerOpenFor   time.Duration `env:"BREAKER_OPEN_FOR" envDefault:"30s"`
	BreakerHalfProbe uint32        `env:"BREAKER_HALF_OPEN_PROBES" envDefault:"1"`
}

type Scheduler struct {
	Interval     time.Duration `env:"INTERVAL" envDefault:"1s"`
	Batch        int           `env:"BATCH" envDefault:"200"`
	RenewalLead  time.Duration `env:"RENEWAL_LEAD" envDefault:"720h"`
	RenewalTerm  int           `env:"RENEWAL_TERM_YEARS" envDefault:"1"`
	RenewalPrice int64         `env:"RENEWAL_PRICE_MINOR" envDefault:"80000"`
	Currency     string        `env:"CURRENCY" envDefault:"INR"`
	LeaderLockID int64         `env:"LEADER_LOCK_ID" envDefault:"42"`
}

type Notify struct {
	SendGridKey string  `env:"SENDGRID_API_KEY"`
	From        string  `env:"FROM" envDefault:"noreply@example.com"`
	RatePerSec  float64 `env:"RATE_PER_SEC" envDefault:"10"`
	Burst       int     `env:"BURST" envDefault:"5"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse env config")
	}
	if !c.Registrar.Sandbox && c.Registrar.BaseURL == "" {
		return c, errors.New("REGISTRAR_BASE_URL is required unless REGISTRAR_SANDBOX=true")
	}
	return c, nil
}
