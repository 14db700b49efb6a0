package cfg

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds operational tuning for the template creator. Per-run inputs
// (paths, pool address, offsets) come from the CLI; everything here is an
// environment knob with a sane default.
type Config struct {
	PseudoMmDevicePath string        `env:"PSEUDO_MM_DEVICE_PATH" envDefault:"/dev/pseudo_mm"`
	PoolDialTimeout    time.Duration `env:"POOL_DIAL_TIMEOUT"     envDefault:"10s"`
	PoolWriteTimeout   time.Duration `env:"POOL_WRITE_TIMEOUT"    envDefault:"1m"`
	PoolWriteRetries   int           `env:"POOL_WRITE_RETRIES"    envDefault:"3"`
	UploadChunkSize    uint64        `env:"UPLOAD_CHUNK_SIZE"     envDefault:"4194304"`
	PageSize           uint64        `env:"PAGE_SIZE"             envDefault:"4096"`
	Debug              bool          `env:"DEBUG"`
}

func Parse() (Config, error) {
	config, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse environment config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func (c Config) Validate() error {
	if c.PageSize == 0 {
		return fmt.Errorf("page size cannot be zero")
	}

	if c.UploadChunkSize == 0 || c.UploadChunkSize%c.PageSize != 0 {
		return fmt.Errorf("upload chunk size %d must be a non-zero multiple of the page size %d", c.UploadChunkSize, c.PageSize)
	}

	if c.PoolWriteRetries < 1 {
		return fmt.Errorf("pool write retries must be at least 1, got %d", c.PoolWriteRetries)
	}

	return nil
}
