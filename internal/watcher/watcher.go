// Package watcher turns raw filesystem notifications for a single task file
// into debounced, throttled semantic events.
//
// Raw fsnotify events pass through two stages. The debounce stage waits for
// an idle period with no further notifications; every new notification
// restarts the wait. The throttle stage lets at most one emission through per
// window and drops the rest. The parent directory is watched rather than the
// file itself, so atomic replacements and a file that does not exist yet are
// both observed.
package watcher

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidPath is returned by New for an empty path, a path containing
	// ".." segments, or a path outside the allowed root.
	ErrInvalidPath = errors.New("invalid watch path")

	// ErrFileTooLarge is returned by Start when the file exceeds the size limit.
	ErrFileTooLarge = errors.New("file exceeds maximum size")

	// ErrDisposed is returned by Start after Dispose.
	ErrDisposed = errors.New("watcher disposed")
)

// EventType identifies a watcher event.
type EventType string

const (
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventChange  EventType = "change"
	EventAdd     EventType = "add"
	EventUnlink  EventType = "unlink"
	EventError   EventType = "error"
)

// Event is delivered to listeners. Size and ModTime are set for change and
// add events.
type Event struct {
	Type    EventType
	Path    string
	Time    time.Time
	Size    int64
	ModTime time.Time
	Err     error
}

// Listener receives events. Listeners run on the watcher's goroutines and
// may block; a blocked listener delays later events.
type Listener func(Event)

// Config holds watcher settings.
type Config struct {
	// Debounce is the idle window before a change is emitted.
	Debounce time.Duration

	// Throttle is the minimum spacing between emissions. 0 disables it.
	Throttle time.Duration

	// MaxFileSizeMB is the largest file Start accepts. 0 disables the check.
	MaxFileSizeMB int

	// MaxRetries bounds recovery attempts after watch errors.
	MaxRetries int

	// RetryDelay is the first recovery delay; later ones grow exponentially.
	RetryDelay time.Duration

	// AllowedRoot, when set, must contain the watched path.
	AllowedRoot string

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:      300 * time.Millisecond,
		Throttle:      time.Second,
		MaxFileSizeMB: 10,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		Logger:        log.New(os.Stderr, "[watcher] ", log.LstdFlags),
	}
}

// Statistics is a snapshot of watcher activity.
type Statistics struct {
	IsWatching      bool
	StartedAt       time.Time
	TotalEvents     int
	EventCounts     map[EventType]int
	ThrottledEvents int
	ErrorCount      int
	RetryCount      int
	LastEventAt     time.Time
	LastEventType   EventType
	CurrentFileSize int64
	LastModifiedAt  time.Time
}

// Watcher watches one file.
type Watcher struct {
	path   string
	dir    string
	config Config

	mu        sync.Mutex
	watching  bool
	disposed  bool
	fsw       *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	exists    bool
	listeners map[EventType][]Listener
	all       []Listener

	pending *EventType
	timer   *time.Timer
	seq     uint64
	limiter *rate.Limiter

	retry   *backoff.ExponentialBackOff
	retries int

	stats Statistics
}

// New validates path and creates a stopped Watcher. Zero fields of cfg take
// their DefaultConfig values, except Throttle and MaxFileSizeMB where 0 means
// disabled.
func New(path string, cfg Config) (*Watcher, error) {
	abs, err := validatePath(path, cfg.AllowedRoot)
	if err != nil {
		return nil, err
	}

	def := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	return &Watcher{
		path:      abs,
		dir:       filepath.Dir(abs),
		config:    cfg,
		listeners: make(map[EventType][]Listener),
		stats:     Statistics{EventCounts: make(map[EventType]int)},
	}, nil
}

func validatePath(path, root string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: path contains NUL byte", ErrInvalidPath)
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s contains path traversal", ErrInvalidPath, path)
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if root == "" {
		return abs, nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidPath, abs, absRoot)
	}
	return abs, nil
}

// Path returns the absolute watched path.
func (w *Watcher) Path() string {
	return w.path
}

// On registers fn for one event type.
func (w *Watcher) On(t EventType, fn Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners[t] = append(w.listeners[t], fn)
}

// OnEvent registers fn for every event type.
func (w *Watcher) OnEvent(fn Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.all = append(w.all, fn)
}

// Start begins watching. Calling Start while watching logs a warning and
// returns nil.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return ErrDisposed
	}
	if w.watching {
		w.mu.Unlock()
		w.config.Logger.Printf("Warning: already watching %s", w.path)
		return nil
	}

	info, err := os.Stat(w.path)
	switch {
	case err == nil:
		if limit := int64(w.config.MaxFileSizeMB) << 20; limit > 0 && info.Size() > limit {
			w.mu.Unlock()
			return fmt.Errorf("%w: %s is %d bytes, limit is %d MB", ErrFileTooLarge, w.path, info.Size(), w.config.MaxFileSizeMB)
		}
		w.exists = true
		w.stats.CurrentFileSize = info.Size()
		w.stats.LastModifiedAt = info.ModTime()
	case errors.Is(err, os.ErrNotExist):
		w.exists = false
		w.config.Logger.Printf("Waiting for %s to be created", w.path)
	default:
		w.mu.Unlock()
		return fmt.Errorf("failed to stat %s: %w", w.path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		w.mu.Unlock()
		return fmt.Errorf("failed to watch directory %s: %w", w.dir, err)
	}

	w.fsw = fsw
	w.done = make(chan struct{})
	w.watching = true
	w.limiter = newLimiter(w.config.Throttle)
	w.retries = 0
	w.retry = newRetryBackoff(w.config.RetryDelay)
	w.stats.IsWatching = true
	w.stats.StartedAt = time.Now()

	w.wg.Add(1)
	go w.processEvents(fsw, w.done)
	w.mu.Unlock()

	w.config.Logger.Printf("Watching %s", w.path)
	w.emit(Event{Type: EventStarted, Path: w.path, Time: time.Now()})
	return nil
}

// Stop stops watching and waits for the event loop to exit. A pending
// debounced event is discarded. Calling Stop while stopped logs a warning
// and returns nil. Stop does not interrupt a listener that is running.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.watching {
		w.mu.Unlock()
		if !w.disposed {
			w.config.Logger.Printf("Warning: not watching %s", w.path)
		}
		return nil
	}
	w.watching = false
	w.stats.IsWatching = false
	close(w.done)
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = nil
	w.seq++
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()

	err := fsw.Close()
	w.wg.Wait()

	w.config.Logger.Printf("Stopped watching %s", w.path)
	w.emit(Event{Type: EventStopped, Path: w.path, Time: time.Now()})

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Dispose stops the watcher and drops every listener. It is idempotent and
// safe to call before Start.
func (w *Watcher) Dispose() error {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return nil
	}
	w.disposed = true
	w.mu.Unlock()

	err := w.Stop()

	w.mu.Lock()
	w.listeners = make(map[EventType][]Listener)
	w.all = nil
	w.mu.Unlock()
	return err
}

// IsWatching reports whether the watcher is started. It stays true while
// the watcher is degraded after exhausting its retries.
func (w *Watcher) IsWatching() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watching
}

// Flush fires a pending debounced event immediately. It still passes the
// throttle gate.
func (w *Watcher) Flush() {
	w.mu.Lock()
	if w.pending == nil {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	seq := w.seq
	w.mu.Unlock()

	w.fire(seq)
}

// Statistics returns a snapshot of watcher activity.
func (w *Watcher) Statistics() Statistics {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := w.stats
	s.EventCounts = make(map[EventType]int, len(w.stats.EventCounts))
	for k, v := range w.stats.EventCounts {
		s.EventCounts[k] = v
	}
	return s
}

func (w *Watcher) processEvents(fsw *fsnotify.Watcher, done <-chan struct{}) {
	defer w.wg.Done()

	for {
		select {
		case <-done:
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.notify(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.handleError(err)
		}
	}
}

// notify classifies a raw notification and restarts the debounce window.
func (w *Watcher) notify(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.watching {
		return
	}

	var t EventType
	switch {
	case event.Has(fsnotify.Create):
		// An atomic rename over an existing file arrives as a create.
		if w.exists {
			t = EventChange
		} else {
			t = EventAdd
		}
		w.exists = true
	case event.Has(fsnotify.Write):
		t = EventChange
		w.exists = true
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		t = EventUnlink
		w.exists = false
	default:
		return
	}

	w.schedule(t)
}

// schedule records t as the pending event and restarts the debounce timer.
// w.mu must be held.
func (w *Watcher) schedule(t EventType) {
	switch {
	case w.pending == nil:
		w.pending = &t
	case *w.pending == EventAdd && t == EventChange:
		// Still an add from the listener's point of view.
	case *w.pending == EventUnlink && t != EventUnlink:
		// Removed and recreated within one window.
		change := EventChange
		w.pending = &change
	default:
		w.pending = &t
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.seq++
	seq := w.seq
	w.timer = time.AfterFunc(w.config.Debounce, func() { w.fire(seq) })
}

// fire emits the pending event if seq is still current and the throttle
// allows it.
func (w *Watcher) fire(seq uint64) {
	w.mu.Lock()
	if !w.watching || w.pending == nil || seq != w.seq {
		w.mu.Unlock()
		return
	}
	t := *w.pending
	w.pending = nil
	w.timer = nil
	w.seq++

	if !w.limiter.Allow() {
		w.stats.ThrottledEvents++
		w.mu.Unlock()
		w.config.Logger.Printf("Throttled %s event for %s", t, w.path)
		return
	}
	w.mu.Unlock()

	ev := Event{Type: t, Path: w.path, Time: time.Now()}
	if t == EventChange || t == EventAdd {
		info, err := os.Stat(w.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				ev.Type = EventUnlink
			} else {
				w.handleError(fmt.Errorf("failed to stat %s: %w", w.path, err))
				return
			}
		} else {
			ev.Size = info.Size()
			ev.ModTime = info.ModTime()
		}
	}
	w.emit(ev)
}

// handleError reports err and schedules recovery while the retry budget
// lasts.
func (w *Watcher) handleError(err error) {
	w.mu.Lock()
	w.stats.ErrorCount++
	watching := w.watching
	w.mu.Unlock()

	w.config.Logger.Printf("Watch error on %s: %v", w.path, err)
	w.emit(Event{Type: EventError, Path: w.path, Time: time.Now(), Err: err})

	if watching {
		w.scheduleRecovery()
	}
}

func (w *Watcher) scheduleRecovery() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.retries >= w.config.MaxRetries {
		w.config.Logger.Printf("Giving up recovery of %s after %d retries", w.path, w.retries)
		return
	}
	w.retries++
	w.stats.RetryCount++
	delay := w.retry.NextBackOff()
	done := w.done

	time.AfterFunc(delay, func() {
		select {
		case <-done:
			return
		default:
		}
		w.recover()
	})
}

// recover re-arms the directory watch.
func (w *Watcher) recover() {
	w.mu.Lock()
	if !w.watching || w.fsw == nil {
		w.mu.Unlock()
		return
	}
	fsw := w.fsw
	w.mu.Unlock()

	_ = fsw.Remove(w.dir)
	if err := fsw.Add(w.dir); err != nil {
		w.handleError(fmt.Errorf("failed to re-watch %s: %w", w.dir, err))
		return
	}

	w.mu.Lock()
	w.retries = 0
	w.retry.Reset()
	w.mu.Unlock()
	w.config.Logger.Printf("Recovered watch on %s", w.path)
}

func (w *Watcher) emit(ev Event) {
	w.mu.Lock()
	w.stats.TotalEvents++
	w.stats.EventCounts[ev.Type]++
	w.stats.LastEventAt = ev.Time
	w.stats.LastEventType = ev.Type
	if ev.Type == EventChange || ev.Type == EventAdd {
		w.stats.CurrentFileSize = ev.Size
		w.stats.LastModifiedAt = ev.ModTime
	}
	if ev.Type == EventUnlink {
		w.stats.CurrentFileSize = 0
	}
	typed := append([]Listener(nil), w.listeners[ev.Type]...)
	all := append([]Listener(nil), w.all...)
	w.mu.Unlock()

	for _, fn := range typed {
		fn(ev)
	}
	for _, fn := range all {
		fn(ev)
	}
}

func newLimiter(window time.Duration) *rate.Limiter {
	if window <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(window), 1)
}

func newRetryBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
