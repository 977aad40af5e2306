package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	App struct {
		Env string
	} `mapstructure:"app"`

	HTTP struct {
		Addr string
	} `mapstructure:"http"`

	Postgres struct {
		DSN string
	} `mapstructure:"postgres"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`

	Apply Apply `mapstructure:"apply"`
}

// Apply: настройки записи корректировок.
type Apply struct {
	// Mode: saga | atomic
	Mode           string        `mapstructure:"mode"`
	MaxReconcile   int           `mapstructure:"max_reconcile"`
	RetryAttempts  uint64        `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	LockTimeout    time.Duration `mapstructure:"lock_timeout"`
	// Lock: memory | advisory
	Lock string `mapstructure:"lock"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "prod")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("apply.mode", "saga")
	v.SetDefault("apply.max_reconcile", 3)
	v.SetDefault("apply.retry_attempts", 3)
	v.SetDefault("apply.retry_base_delay", "50ms")
	v.SetDefault("apply.lock_timeout", "5s")
	v.SetDefault("apply.lock", "advisory")
}

// Load читает yaml по path (если файл есть), .env и переменные APP_*.
// APP_POSTGRES_DSN перекрывает postgres.dsn и т.д.
func Load(path string) (Config, error) {
	var c Config

	if err := gotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return c, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return c, err
		}
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		errs = append(errs, errors.New("postgres.dsn is required"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Apply.Mode {
	case "saga", "atomic":
	default:
		errs = append(errs, fmt.Errorf("apply.mode must be saga or atomic, got %q", c.Apply.Mode))
	}
	switch c.Apply.Lock {
	case "memory", "advisory":
	default:
		errs = append(errs, fmt.Errorf("apply.lock must be memory or advisory, got %q", c.Apply.Lock))
	}
	if c.Apply.MaxReconcile < 1 {
		errs = append(errs, errors.New("apply.max_reconcile must be >= 1"))
	}
	if c.Apply.LockTimeout < 0 || c.Apply.RetryBaseDelay < 0 {
		errs = append(errs, errors.New("apply durations must not be negative"))
	}
	return errors.Join(errs...)
}
