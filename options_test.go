package jasonisnthappy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	require.Equal(t, 1000, opts.CacheSize)
	require.Equal(t, 16<<20, opts.MaxDocumentSize)
	require.Equal(t, 3, opts.MaxRetries)
	require.Equal(t, 10*time.Millisecond, opts.RetryBackoffBase)
	require.Equal(t, time.Second, opts.MaxRetryBackoff)
	require.False(t, opts.ReadOnly)
}

func TestLoadOptionsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.yaml")
	content := []byte(`
cache_size: 64
auto_checkpoint_threshold: 1048576
max_bulk_operations: 10
read_only: true
max_retries: 7
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	require.Equal(t, 64, opts.CacheSize)
	require.Equal(t, int64(1<<20), opts.AutoCheckpointThreshold)
	require.Equal(t, 10, opts.MaxBulkOperations)
	require.True(t, opts.ReadOnly)
	require.Equal(t, 7, opts.MaxRetries)
	// Untouched fields keep their defaults.
	require.Equal(t, 16<<20, opts.MaxDocumentSize)
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxRetries = -1
	require.ErrorIs(t, opts.validate(), ErrInvalidArgument)

	opts = DefaultOptions()
	opts.CacheSize = 0
	require.NoError(t, opts.validate())
	require.Equal(t, 1000, opts.CacheSize)
}
