// Package config загружает конфигурацию процессов Rollout из окружения.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/shaiso/Rollout/internal/scheduler"
	"github.com/shaiso/Rollout/internal/templates"
)

// Значения SCHEDULER_BACKEND.
const (
	BackendDurable  = "durable"
	BackendTemporal = "temporal"
	BackendLocal    = "local"
)

// Значения STORAGE.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Значения TEMPLATE_SOURCE.
const (
	TemplateSourceFS = "fs"
	TemplateSourceS3 = "s3"
)

// Имена сервисов для Validate.
const (
	ServiceAPI       = "api"
	ServiceScheduler = "scheduler"
	ServiceWorker    = "worker"
)

// Config — общая конфигурация всех бинарей.
type Config struct {
	DBURL       string `env:"DB_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	Storage     string `env:"STORAGE" envDefault:"postgres"`

	APIPort    int `env:"API_PORT" envDefault:"8080"`
	SchedPort  int `env:"SCHED_PORT" envDefault:"8081"`
	WorkerPort int `env:"WORKER_PORT" envDefault:"8082"`

	SchedulerBackend  string        `env:"SCHEDULER_BACKEND" envDefault:"durable"`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`
	TemporalAddress   string        `env:"TEMPORAL_ADDRESS" envDefault:"localhost:7233"`
	TemporalNamespace string        `env:"TEMPORAL_NAMESPACE" envDefault:"default"`
	TemporalTaskQueue string        `env:"TEMPORAL_TASK_QUEUE" envDefault:"rollout-jobs"`

	TemplateSource string             `env:"TEMPLATE_SOURCE" envDefault:"fs"`
	TemplateDir    string             `env:"TEMPLATE_DIR" envDefault:"./templates"`
	TemplateS3     templates.S3Config `envPrefix:"TEMPLATE_S3_"`

	FanoutParallelism     int    `env:"FANOUT_PARALLELISM" envDefault:"1"`
	// JobLease — аренда выполняемого задания; по её истечении задание
	// продолжает другой воркер.
	JobLease time.Duration `env:"JOB_LEASE" envDefault:"5m"`
	TemplateDiscoveryCron string `env:"TEMPLATE_DISCOVERY_CRON"`
	DiscoveryActor        string `env:"TEMPLATE_DISCOVERY_ACTOR" envDefault:"rollout-scheduler"`

	OTelEndpoint string `env:"OTEL_EXPORTER_ENDPOINT"`
}

// Load читает конфигурацию из окружения.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// Validate проверяет настройки, которые нужны сервису.
func (c *Config) Validate(service string) error {
	var errs []error

	switch c.Storage {
	case StoragePostgres:
	case StorageMemory:
		if service != ServiceAPI || c.SchedulerBackend != BackendLocal {
			errs = append(errs, errors.New("STORAGE=memory requires the api service with SCHEDULER_BACKEND=local"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE must be postgres or memory, got %q", c.Storage))
	}

	switch c.SchedulerBackend {
	case BackendDurable, BackendTemporal:
	case BackendLocal:
		if service != ServiceAPI {
			errs = append(errs, fmt.Errorf("SCHEDULER_BACKEND=local runs inside the api service only, not %s", service))
		}
	default:
		errs = append(errs, fmt.Errorf("SCHEDULER_BACKEND must be durable, temporal or local, got %q", c.SchedulerBackend))
	}

	if c.SchedulerBackend == BackendTemporal && c.TemporalAddress == "" {
		errs = append(errs, errors.New("TEMPORAL_ADDRESS is required for the temporal backend"))
	}

	if service == ServiceAPI || service == ServiceScheduler || service == ServiceWorker {
		switch c.TemplateSource {
		case TemplateSourceFS:
			if c.TemplateDir == "" {
				errs = append(errs, errors.New("TEMPLATE_DIR is required for TEMPLATE_SOURCE=fs"))
			}
		case TemplateSourceS3:
			if c.TemplateS3.Bucket == "" {
				errs = append(errs, errors.New("TEMPLATE_S3_BUCKET is required for TEMPLATE_SOURCE=s3"))
			}
		default:
			errs = append(errs, fmt.Errorf("TEMPLATE_SOURCE must be fs or s3, got %q", c.TemplateSource))
		}
	}

	if c.FanoutParallelism < 1 {
		errs = append(errs, fmt.Errorf("FANOUT_PARALLELISM must be >= 1, got %d", c.FanoutParallelism))
	}
	if c.TemplateDiscoveryCron != "" {
		if err := scheduler.ValidateCronExpr(c.TemplateDiscoveryCron); err != nil {
			errs = append(errs, fmt.Errorf("TEMPLATE_DISCOVERY_CRON: %w", err))
		}
	}
	if c.JobLease <= 0 {
		errs = append(errs, errors.New("JOB_LEASE must be positive"))
	}
	if c.SchedulerInterval <= 0 {
		errs = append(errs, errors.New("SCHEDULER_INTERVAL must be positive"))
	}

	for name, port := range map[string]int{"API_PORT": c.APIPort, "SCHED_PORT": c.SchedPort, "WORKER_PORT": c.WorkerPort} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s out of range: %d", name, port))
		}
	}

	return errors.Join(errs...)
}

// ListenAddr возвращает адрес HTTP сервера сервиса.
func (c *Config) ListenAddr(service string) string {
	switch service {
	case ServiceScheduler:
		return fmt.Sprintf(":%d", c.SchedPort)
	case ServiceWorker:
		return fmt.Sprintf(":%d", c.WorkerPort)
	default:
		return fmt.Sprintf(":%d", c.APIPort)
	}
}
