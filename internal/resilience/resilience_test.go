package resilience

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/spf13/afero"
)

var errFlaky = errors.New("transient I/O error")

// flakyFs fails the next n Open/OpenFile/Stat calls, then delegates.
type flakyFs struct {
	afero.Fs
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyFs) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errFlaky
	}
	return nil
}

func (f *flakyFs) Open(name string) (afero.File, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Fs.Open(name)
}

func (f *flakyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *flakyFs) Stat(name string) (os.FileInfo, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Fs.Stat(name)
}

func newTestLayer(fs afero.Fs) *Layer {
	return New(Config{
		Fs:              fs,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		BreakerTimeout:  time.Hour,
		Logger:          log.New(io.Discard, "", 0),
	})
}

func TestReadFile_RetriesTransientErrors(t *testing.T) {
	mem := afero.NewMemMapFs()
	if err := afero.WriteFile(mem, "/todo.md", []byte("- [ ] a\n"), 0644); err != nil {
		t.Fatal(err)
	}
	fs := &flakyFs{Fs: mem, failures: 2}

	got, err := newTestLayer(fs).ReadFile(context.Background(), "/todo.md")
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if got != "- [ ] a\n" {
		t.Errorf("ReadFile() = %q", got)
	}
	if fs.calls != 3 {
		t.Errorf("got %d attempts, want 3", fs.calls)
	}
}

func TestReadFile_FallbackOpensBreaker(t *testing.T) {
	mem := afero.NewMemMapFs()
	_ = afero.WriteFile(mem, "/todo.md", []byte("x"), 0644)
	fs := &flakyFs{Fs: mem, failures: 100}
	l := newTestLayer(fs)

	got, err := l.ReadFile(context.Background(), "/todo.md")
	var fb *FallbackError
	if !errors.As(err, &fb) {
		t.Fatalf("ReadFile() error = %v, want *FallbackError", err)
	}
	if got != "" {
		t.Errorf("fallback content = %q, want empty", got)
	}
	if !errors.Is(err, errFlaky) {
		t.Errorf("fallback does not wrap the cause: %v", err)
	}
	if fs.calls != 3 {
		t.Errorf("got %d attempts, want 3", fs.calls)
	}
	if l.State() != gobreaker.StateOpen {
		t.Fatalf("breaker state = %v, want open", l.State())
	}

	// While open, no attempt reaches the filesystem.
	_, err = l.ReadFile(context.Background(), "/todo.md")
	if !errors.As(err, &fb) || !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("ReadFile() with open breaker error = %v", err)
	}
	if fs.calls != 3 {
		t.Errorf("open breaker let %d calls through", fs.calls-3)
	}
}

func TestReadFile_NotExistIsPermanent(t *testing.T) {
	fs := &flakyFs{Fs: afero.NewMemMapFs()}
	l := newTestLayer(fs)

	_, err := l.ReadFile(context.Background(), "/missing.md")
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("ReadFile() error = %v, want not-exist", err)
	}
	var fb *FallbackError
	if errors.As(err, &fb) {
		t.Error("missing file should not be reported as a fallback")
	}
	if fs.calls != 1 {
		t.Errorf("got %d attempts, want 1", fs.calls)
	}
	if l.State() != gobreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", l.State())
	}
}

func TestWriteFileAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := newTestLayer(fs)
	ctx := context.Background()

	if err := l.WriteFileAtomic(ctx, "/dir/todo.md", []byte("one"), 0644); err != nil {
		t.Fatalf("WriteFileAtomic() failed: %v", err)
	}
	if err := l.WriteFileAtomic(ctx, "/dir/todo.md", []byte("two"), 0644); err != nil {
		t.Fatalf("WriteFileAtomic() overwrite failed: %v", err)
	}

	data, err := afero.ReadFile(fs, "/dir/todo.md")
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(data) != "two" {
		t.Errorf("content = %q, want %q", data, "two")
	}

	entries, err := afero.ReadDir(fs, "/dir")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("temp files left behind: %v", names)
	}
}

func TestWriteFileAtomic_ReadOnlyFsFails(t *testing.T) {
	base := afero.NewMemMapFs()
	_ = afero.WriteFile(base, "/todo.md", []byte("original"), 0644)
	l := newTestLayer(afero.NewReadOnlyFs(base))

	err := l.WriteFileAtomic(context.Background(), "/todo.md", []byte("new"), 0644)
	if err == nil {
		t.Fatal("WriteFileAtomic() on a read-only fs succeeded")
	}
	data, _ := afero.ReadFile(base, "/todo.md")
	if string(data) != "original" {
		t.Errorf("content = %q, want original untouched", data)
	}
}

func TestStat(t *testing.T) {
	mem := afero.NewMemMapFs()
	_ = afero.WriteFile(mem, "/todo.md", []byte("12345"), 0644)
	fs := &flakyFs{Fs: mem, failures: 1}

	info, err := newTestLayer(fs).Stat(context.Background(), "/todo.md")
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if info.Size() != 5 {
		t.Errorf("Size() = %d, want 5", info.Size())
	}
}

func TestReadFile_ContextCanceled(t *testing.T) {
	mem := afero.NewMemMapFs()
	_ = afero.WriteFile(mem, "/todo.md", []byte("x"), 0644)
	fs := &flakyFs{Fs: mem, failures: 100}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestLayer(fs).ReadFile(ctx, "/todo.md")
	if err == nil {
		t.Fatal("ReadFile() with canceled context succeeded")
	}
	if fs.calls > 1 {
		t.Errorf("canceled context still retried %d times", fs.calls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errFlaky, true},
		{os.ErrNotExist, false},
		{&os.PathError{Op: "open", Path: "x", Err: os.ErrPermission}, false},
		{gobreaker.ErrOpenState, false},
		{context.Canceled, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
