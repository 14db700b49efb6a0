package cfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) { //nolint:paralleltest // siblings set env
		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, "/dev/pseudo_mm", config.PseudoMmDevicePath)
		assert.Equal(t, uint64(4096), config.PageSize)
		assert.Equal(t, uint64(4194304), config.UploadChunkSize)
		assert.Equal(t, 3, config.PoolWriteRetries)
		assert.Equal(t, 10*time.Second, config.PoolDialTimeout)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("POOL_WRITE_RETRIES", "5")
		t.Setenv("UPLOAD_CHUNK_SIZE", "8192")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, 5, config.PoolWriteRetries)
		assert.Equal(t, uint64(8192), config.UploadChunkSize)
	})

	t.Run("chunk size must be a page multiple", func(t *testing.T) {
		t.Setenv("UPLOAD_CHUNK_SIZE", "4097")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("retries must be positive", func(t *testing.T) {
		t.Setenv("POOL_WRITE_RETRIES", "0")

		_, err := Parse()
		require.Error(t, err)
	})
}
