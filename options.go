package jasonisnthappy

import (
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	ilog "github.com/sohzm/jasonisnthappy/internal/log"
)

// Options configures a database instance. The zero value is unusable;
// start from DefaultOptions.
type Options struct {
	// CacheSize is the maximum number of pages resident in the LRU
	// page cache.
	CacheSize int `yaml:"cache_size"`

	// PageSize is the page size in bytes, fixed at database creation
	// and recorded in the meta page. Ignored when opening an existing
	// file.
	PageSize int `yaml:"page_size"`

	// AutoCheckpointThreshold is the WAL byte size that triggers an
	// automatic checkpoint after a commit. Zero disables the policy.
	AutoCheckpointThreshold int64 `yaml:"auto_checkpoint_threshold"`

	// FilePermissions is the mode applied when files are created.
	FilePermissions fs.FileMode `yaml:"file_permissions"`

	// ReadOnly opens with a shared file lock and rejects every
	// mutation with ErrReadOnly.
	ReadOnly bool `yaml:"read_only"`

	// MaxBulkOperations caps one BulkWrite or InsertMany list.
	MaxBulkOperations int `yaml:"max_bulk_operations"`

	// MaxDocumentSize rejects encoded documents larger than this.
	MaxDocumentSize int `yaml:"max_document_size"`

	// MaxRequestBodySize is consumed by the optional HTTP adapter; the
	// engine only validates it.
	MaxRequestBodySize int64 `yaml:"max_request_body_size"`

	// Transaction retry policy for RunTransaction.
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`
	MaxRetryBackoff  time.Duration `yaml:"max_retry_backoff"`

	// WatchBuffer is the per-subscriber change-stream queue length.
	WatchBuffer int `yaml:"watch_buffer"`

	// Logger receives engine events; defaults to a disabled logger.
	Logger zerolog.Logger `yaml:"-"`
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() *Options {
	return &Options{
		CacheSize:               1000,
		PageSize:                0, // storage default
		AutoCheckpointThreshold: 16 << 20,
		FilePermissions:         0o644,
		MaxBulkOperations:       1000,
		MaxDocumentSize:         16 << 20,
		MaxRequestBodySize:      32 << 20,
		MaxRetries:              3,
		RetryBackoffBase:        10 * time.Millisecond,
		MaxRetryBackoff:         time.Second,
		WatchBuffer:             256,
		Logger:                  ilog.Nop(),
	}
}

// LoadOptions reads options from a YAML file over the defaults.
func LoadOptions(path string) (*Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options file: %w", err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse options file: %w", err)
	}
	return opts, nil
}

// validate normalises zero values and rejects nonsense.
func (o *Options) validate() error {
	if o.CacheSize <= 0 {
		o.CacheSize = 1000
	}
	if o.MaxBulkOperations <= 0 {
		o.MaxBulkOperations = 1000
	}
	if o.MaxDocumentSize <= 0 {
		o.MaxDocumentSize = 16 << 20
	}
	if o.MaxRequestBodySize < 0 {
		return invalidf("max_request_body_size must be >= 0")
	}
	if o.MaxRetries < 0 {
		return invalidf("max_retries must be >= 0")
	}
	if o.RetryBackoffBase <= 0 {
		o.RetryBackoffBase = 10 * time.Millisecond
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = time.Second
	}
	if o.WatchBuffer <= 0 {
		o.WatchBuffer = 256
	}
	if o.FilePermissions == 0 {
		o.FilePermissions = 0o644
	}
	return nil
}

// clone returns a private copy so later caller mutations cannot race
// the engine.
func (o *Options) clone() *Options {
	c := *o
	return &c
}
