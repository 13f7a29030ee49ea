// Package resilience wraps file reads, writes and stats with retry and a
// circuit breaker.
//
// Every operation is retried with exponential backoff. Attempts pass through
// a circuit breaker that opens after MaxAttempts consecutive failures; while
// it is open, operations fail immediately. A read that cannot complete
// returns empty content and a *FallbackError so the caller can finish its
// pass and record it as failed.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/spf13/afero"
)

// Config holds retry and breaker settings.
type Config struct {
	// Fs is the filesystem operated on. Nil uses the OS filesystem.
	Fs afero.Fs

	// MaxAttempts is the number of tries per operation, and the number of
	// consecutive failures that opens the breaker.
	MaxAttempts int

	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration

	// BreakerTimeout is how long the breaker stays open before letting a
	// probe through.
	BreakerTimeout time.Duration

	// Logger for retry activity
	Logger *log.Logger
}

// DefaultConfig returns the default settings on the OS filesystem.
func DefaultConfig() Config {
	return Config{
		Fs:              afero.NewOsFs(),
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		BreakerTimeout:  30 * time.Second,
		Logger:          log.New(os.Stderr, "[resilience] ", log.LstdFlags),
	}
}

// FallbackError reports that an operation gave up and a fallback value was
// returned in place of the real result.
type FallbackError struct {
	Op   string
	Path string
	Err  error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%s %s failed, using fallback: %v", e.Op, e.Path, e.Err)
}

func (e *FallbackError) Unwrap() error {
	return e.Err
}

// Layer performs resilient file operations.
type Layer struct {
	fs      afero.Fs
	config  Config
	breaker *gobreaker.CircuitBreaker
}

// New creates a Layer. Zero fields of cfg take their DefaultConfig values.
func New(cfg Config) *Layer {
	def := DefaultConfig()
	if cfg.Fs == nil {
		cfg.Fs = def.Fs
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	l := &Layer{fs: cfg.Fs, config: cfg}
	l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "file-io",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxAttempts)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Printf("Circuit %s: %s -> %s", name, from, to)
		},
	})
	return l
}

// Fs returns the underlying filesystem.
func (l *Layer) Fs() afero.Fs {
	return l.fs
}

// State returns the breaker state.
func (l *Layer) State() gobreaker.State {
	return l.breaker.State()
}

// IsRetryable reports whether err is worth retrying. Missing files,
// permission errors and an open breaker are not.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return false
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// do runs op with retry through the breaker.
func (l *Layer) do(ctx context.Context, name, path string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.config.InitialInterval
	b.MaxInterval = l.config.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.config.MaxAttempts-1)), ctx)

	attempt := func() error {
		_, err := l.breaker.Execute(func() (interface{}, error) {
			return nil, op()
		})
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.config.Logger.Printf("%s %s failed, retrying in %v: %v", name, path, wait, err)
	}

	return backoff.RetryNotify(attempt, policy, notify)
}

// ReadFile returns the content of path. A missing file returns the
// not-exist error unchanged. Any other failure that survives the retries
// returns "" and a *FallbackError.
func (l *Layer) ReadFile(ctx context.Context, path string) (string, error) {
	var data []byte
	err := l.do(ctx, "read", path, func() error {
		var err error
		data, err = afero.ReadFile(l.fs, path)
		return err
	})
	if err == nil {
		return string(data), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	return "", &FallbackError{Op: "read", Path: path, Err: err}
}

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place, so readers never see a partial file.
func (l *Layer) WriteFileAtomic(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	err := l.do(ctx, "write", path, func() error {
		return writeAtomic(l.fs, path, data, perm)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Stat returns file info for path.
func (l *Layer) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	var info os.FileInfo
	err := l.do(ctx, "stat", path, func() error {
		var err error
		info, err = l.fs.Stat(path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func writeAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return err
	}
	if err := fs.Chmod(tmpName, perm); err != nil {
		_ = fs.Remove(tmpName)
		return err
	}
	if err := fs.Rename(tmpName, path); err != nil {
		_ = fs.Remove(tmpName)
		return err
	}
	return nil
}
