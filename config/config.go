package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is read from the environment, optionally populated from a .env file.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":5000"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	StorageType      string `env:"STORAGE_TYPE"`
	DataSourceName   string `env:"DATA_SOURCE_NAME" envDefault:"collab.db"`
	LocalStoragePath string `env:"LOCAL_STORAGE_PATH" envDefault:"./data"`
	S3BucketName     string `env:"S3_BUCKET_NAME"`
	PermissionsFile  string `env:"PERMISSIONS_FILE"`

	JWTSecret   string `env:"JWT_SECRET"`
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:5173"`

	MaxUpdateBytes    int `env:"MAX_UPDATE_BYTES" envDefault:"5000000"`
	OutboundQueueSize int `env:"OUTBOUND_QUEUE_SIZE" envDefault:"256"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StorageType {
	case "", "memory", "sqlite", "filesystem":
	case "s3":
		if c.S3BucketName == "" {
			return fmt.Errorf("S3_BUCKET_NAME must be set for s3 storage type")
		}
	default:
		return fmt.Errorf("unknown STORAGE_TYPE %q", c.StorageType)
	}

	if c.MaxUpdateBytes <= 0 {
		return fmt.Errorf("MAX_UPDATE_BYTES must be positive, got %d", c.MaxUpdateBytes)
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("OUTBOUND_QUEUE_SIZE must be positive, got %d", c.OutboundQueueSize)
	}
	return nil
}
