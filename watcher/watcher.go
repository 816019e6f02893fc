// Package watcher discovers result files as the inventory tool writes them
// and reports each one once it is complete.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yairfalse/sweep/parser"
	"github.com/yairfalse/sweep/telemetry"
	"github.com/yairfalse/sweep/types"
)

// DefaultPollInterval is how often the directory is re-read and candidates re-checked
const DefaultPollInterval = 500 * time.Millisecond

// maxReadErrors consecutive directory read failures end a subscription
const maxReadErrors = 5

// FileReady reports a complete file
type FileReady struct {
	Path    string
	Size    int64
	ModTime time.Time
	// Key identifies the emitted version of the file: path plus mtime
	Key string
	// Flushed is true when the file was released by Flush rather than by stability
	Flushed bool
}

// Watcher attaches to a directory
type Watcher interface {
	Attach(ctx context.Context, dir string) (Subscription, error)
}

// Subscription is a live watch of one directory
type Subscription interface {
	// Events delivers each ready file at most once; closed after Detach or failure
	Events() <-chan FileReady
	// Flush releases every known file on the next pass regardless of stability
	Flush()
	// Detach stops discovery; queued events are still delivered
	Detach()
	// Pending counts files discovered or flush-requested but not yet delivered
	Pending() int
	// Emitted counts events handed to the consumer
	Emitted() int64
	// Failed is closed when the watch ended on an error
	Failed() <-chan struct{}
	Err() error
}

// Config tunes FSWatcher
type Config struct {
	PollInterval  time.Duration          `yaml:"poll_interval"`
	DisableNotify bool                   `yaml:"disable_notify"`
	Match         func(name string) bool `yaml:"-"`
}

// FSWatcher combines fsnotify events with periodic polling. Polling alone
// decides readiness; fsnotify only makes discovery prompt and resets
// stability on writes.
type FSWatcher struct {
	cfg    Config
	logger *telemetry.Logger
}

// New creates an FSWatcher
func New(cfg Config, logger *telemetry.Logger) *FSWatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Match == nil {
		cfg.Match = parser.IsResultFile
	}
	if logger == nil {
		logger = telemetry.NewLogger("watcher")
	}
	return &FSWatcher{cfg: cfg, logger: logger}
}

// Attach starts watching dir, which must exist
func (w *FSWatcher) Attach(ctx context.Context, dir string) (Subscription, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDirectoryUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", types.ErrDirectoryUnavailable, dir)
	}

	s := &subscription{
		dir:        dir,
		cfg:        w.cfg,
		logger:     w.logger,
		events:     make(chan FileReady),
		stop:       make(chan struct{}),
		flushReq:   make(chan struct{}, 1),
		failed:     make(chan struct{}),
		candidates: make(map[string]*candidate),
		seen:       make(map[string]string),
	}

	if !w.cfg.DisableNotify {
		nw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn().Err(err).Str("dir", dir).Msg("fsnotify unavailable, running poll-only")
		} else if err := nw.Add(dir); err != nil {
			_ = nw.Close()
			w.logger.Warn().Err(err).Str("dir", dir).Msg("fsnotify watch failed, running poll-only")
		} else {
			s.notify = nw
		}
	}

	go s.run(ctx)
	return s, nil
}

type candidate struct {
	size     int64
	modTime  time.Time
	observed bool
}

type subscription struct {
	dir    string
	cfg    Config
	logger *telemetry.Logger

	events   chan FileReady
	stop     chan struct{}
	stopOnce sync.Once
	flushReq chan struct{}
	failed   chan struct{}

	flushing atomic.Bool
	closed   atomic.Bool
	pending  atomic.Int64
	emitted  atomic.Int64

	mu  sync.Mutex
	err error

	// Owned by the run loop
	notify     *fsnotify.Watcher
	candidates map[string]*candidate
	seen       map[string]string
	queue      []FileReady
	readErrs   int
}

func (s *subscription) Events() <-chan FileReady { return s.events }

func (s *subscription) Flush() {
	if s.closed.Load() {
		return
	}
	s.flushing.Store(true)
	select {
	case s.flushReq <- struct{}{}:
	default:
	}
}

func (s *subscription) Detach() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *subscription) Pending() int {
	if s.closed.Load() {
		return 0
	}
	n := int(s.pending.Load())
	if s.flushing.Load() {
		n++
	}
	return n
}

func (s *subscription) Emitted() int64 { return s.emitted.Load() }

func (s *subscription) Failed() <-chan struct{} { return s.failed }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.events)
	defer s.closed.Store(true)
	if s.notify != nil {
		defer func() { _ = s.notify.Close() }()
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	// When fsnotify is unavailable, use nil channels (never receive)
	var (
		notifyEvents <-chan fsnotify.Event
		notifyErrors <-chan error
	)
	if s.notify != nil {
		notifyEvents = s.notify.Events
		notifyErrors = s.notify.Errors
	}

	if !s.poll(false) {
		return
	}

	for {
		var (
			out  chan<- FileReady
			next FileReady
		)
		if len(s.queue) > 0 {
			out = s.events
			next = s.queue[0]
		}

		select {
		case <-ctx.Done():
			return

		case <-s.stop:
			// A flush requested before Detach is still honored
			if s.flushing.Load() {
				s.poll(true)
				s.flushing.Store(false)
			}
			s.deliverQueued(ctx)
			return

		case out <- next:
			s.queue = s.queue[1:]
			s.emitted.Add(1)
			s.updatePending()

		case <-s.flushReq:
			ok := s.poll(true)
			s.flushing.Store(false)
			if !ok {
				return
			}

		case ev, ok := <-notifyEvents:
			if !ok {
				notifyEvents, notifyErrors = nil, nil
				continue
			}
			s.handleNotify(ev)

		case err, ok := <-notifyErrors:
			if !ok {
				notifyEvents, notifyErrors = nil, nil
				continue
			}
			s.logger.Warn().Err(err).Str("dir", s.dir).Msg("fsnotify error, polling continues")

		case <-ticker.C:
			if !s.poll(false) {
				return
			}
		}
	}
}

func (s *subscription) deliverQueued(ctx context.Context) {
	for len(s.queue) > 0 {
		select {
		case <-ctx.Done():
			return
		case s.events <- s.queue[0]:
			s.queue = s.queue[1:]
			s.emitted.Add(1)
			s.updatePending()
		}
	}
}

func (s *subscription) handleNotify(ev fsnotify.Event) {
	if !s.cfg.Match(filepath.Base(ev.Name)) {
		return
	}
	if _, done := s.seen[ev.Name]; done {
		return
	}

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		c, ok := s.candidates[ev.Name]
		if !ok {
			c = &candidate{}
			s.candidates[ev.Name] = c
		}
		// Stability restarts from the next poll
		c.observed = false
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(s.candidates, ev.Name)
	}
	s.updatePending()
}

// poll re-reads the directory and promotes stable candidates. With flush
// every candidate is promoted. It returns false when the watch has failed.
func (s *subscription) poll(flush bool) bool {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.readErrs++
		if errors.Is(err, fs.ErrNotExist) || s.readErrs >= maxReadErrors {
			s.fail(err)
			return false
		}
		s.logger.Warn().Err(err).Str("dir", s.dir).Msg("directory read failed")
		return true
	}
	s.readErrs = 0

	for _, e := range entries {
		if e.IsDir() || !s.cfg.Match(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if _, done := s.seen[path]; done {
			continue
		}
		if _, ok := s.candidates[path]; !ok {
			s.candidates[path] = &candidate{}
		}
	}

	paths := make([]string, 0, len(s.candidates))
	for path := range s.candidates {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		c := s.candidates[path]
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			delete(s.candidates, path)
			continue
		}

		size, mod := info.Size(), info.ModTime()
		stable := c.observed && size > 0 && size == c.size && mod.Equal(c.modTime)
		if flush || stable {
			s.emit(path, size, mod, flush && !stable)
			continue
		}
		c.size, c.modTime, c.observed = size, mod, true
	}

	s.updatePending()
	return true
}

func (s *subscription) emit(path string, size int64, mod time.Time, flushed bool) {
	key := fmt.Sprintf("%s@%d", path, mod.UnixNano())
	s.seen[path] = key
	delete(s.candidates, path)
	s.queue = append(s.queue, FileReady{
		Path:    path,
		Size:    size,
		ModTime: mod,
		Key:     key,
		Flushed: flushed,
	})
}

func (s *subscription) updatePending() {
	s.pending.Store(int64(len(s.candidates) + len(s.queue)))
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	s.err = fmt.Errorf("watch %s: %w", s.dir, err)
	s.mu.Unlock()
	s.logger.Error().Err(err).Str("dir", s.dir).Msg("directory watch failed")
	close(s.failed)
}
