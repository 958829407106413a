package mvstore

import (
	"log/slog"
	"time"

	"github.com/kluzzebass/mvstore/internal/logging"
)

// Config configures a Store.
type Config struct {
	FileName string
	ReadOnly bool

	// EncryptionKey, if set, is zeroed before Open returns.
	EncryptionKey []byte

	CacheSize        int // MB
	CacheConcurrency int
	PageSplitSize    int
	KeysPerPage      int
	Compress         int // 0 = none, 1 = fast, 2 = high

	// AutoCommitBufferSize is in KiB; autoCommitMemory is derived as
	// AutoCommitBufferSize * 19KiB of heap per KiB of disk
	AutoCommitBufferSize int
	// AutoCommitDelay controls the background writer's interval. Zero is a
	// deliberate value here, not an unset field: it disables the background
	// writer entirely.
	// Leave the field negative to pick up the default of 1000ms; this is the
	// one Config field where the Go zero value is a meaningful setting
	// rather than "unconfigured", so setDefaults only fills in a value when
	// AutoCommitDelay is negative.
	AutoCommitDelay     time.Duration
	AutoCompactFillRate int // percent, default 40

	BackgroundExceptionHandler func(error)

	// Now overrides time.Now for deterministic tests, as the donor repo's
	// chunk/file.Config.Now does.
	Now func() time.Time

	Logger *slog.Logger
}

const (
	defaultAutoCommitDelay     = 1000 * time.Millisecond
	defaultAutoCompactFillRate = 40
	defaultAutoCommitBufferKiB = 1024
	defaultRetentionTimeMs     = 45_000
	defaultKeysPerPage         = 48
)

func (c *Config) setDefaults() {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.AutoCommitDelay < 0 {
		c.AutoCommitDelay = defaultAutoCommitDelay
	}
	if c.AutoCompactFillRate == 0 {
		c.AutoCompactFillRate = defaultAutoCompactFillRate
	}
	if c.AutoCommitBufferSize == 0 {
		c.AutoCommitBufferSize = defaultAutoCommitBufferKiB
	}
	if c.KeysPerPage == 0 {
		c.KeysPerPage = defaultKeysPerPage
	}
	if c.BackgroundExceptionHandler == nil {
		c.BackgroundExceptionHandler = func(error) {}
	}
}

// autoCommitMemoryBytes converts the KiB buffer-size setting into the
// heap-bytes threshold that triggers an auto-commit, using a "19 KiB of
// heap per KiB of disk" ratio.
func (c *Config) autoCommitMemoryBytes() int64 {
	return int64(c.AutoCommitBufferSize) * 19 * 1024
}

func (c *Config) logger() *slog.Logger {
	return logging.Default(c.Logger).With("component", "mvstore")
}

// autoCommitDelayMs disables the background writer when <= 0.
func (c *Config) autoCommitDelayMs() int64 {
	return c.AutoCommitDelay.Milliseconds()
}

func durationFromMs(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
