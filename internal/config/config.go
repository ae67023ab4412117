package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/senseyeio/duration"
)

type Config struct {
	// Name identifies the engine in logs and metric labels.
	Name         string       `yaml:"name" json:"name" env:"ENGINE_NAME" env-default:"flow-engine"`
	LogLevel     string       `yaml:"logLevel" json:"logLevel" env:"LOG_LEVEL" env-default:"info"`
	Metrics      Metrics      `yaml:"metrics" json:"metrics"`
	Compensation Compensation `yaml:"compensation" json:"compensation"`
}

type Metrics struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"METRICS_ENABLED"`
	Addr    string `yaml:"addr" json:"addr" env:"METRICS_ADDR" env-default:":9090"`
}

type Compensation struct {
	// MaxRetries bounds handler attempts per compensation record.
	MaxRetries int `yaml:"maxRetries" json:"maxRetries" env:"COMPENSATION_MAX_RETRIES" env-default:"3"`
	// RetryDelay is an ISO-8601 duration between attempts, e.g. PT1S.
	RetryDelay string `yaml:"retryDelay" json:"retryDelay" env:"COMPENSATION_RETRY_DELAY" env-default:"PT1S"`
}

// RetryDelayDuration parses the configured ISO-8601 delay.
func (c Compensation) RetryDelayDuration() (time.Duration, error) {
	d, err := duration.ParseISO8601(c.RetryDelay)
	if err != nil {
		return 0, fmt.Errorf("invalid compensation retry delay %q: %w", c.RetryDelay, err)
	}
	now := time.Now()
	return d.Shift(now).Sub(now), nil
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
