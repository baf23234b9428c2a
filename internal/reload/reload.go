// Package reload watches the configuration file and applies changed
// configurations to the running gateway. A reload that fails to parse or
// validate is logged and dropped; the gateway keeps serving the last good
// configuration.
package reload

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/config"
)

// Options tunes the watcher's event handling.
type Options struct {
	// Debounce drops events arriving closer together than this, so one
	// editor save does not trigger several reloads.
	Debounce time.Duration
	// RewatchDelay is how long to wait after a rename or remove before
	// re-reading, giving atomic-write tools time to finish.
	RewatchDelay time.Duration
	// MaxRetries bounds config re-reads and watch re-registration.
	MaxRetries int
	// RetryDelay separates those retries.
	RetryDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		Debounce:     500 * time.Millisecond,
		RewatchDelay: 800 * time.Millisecond,
		MaxRetries:   5,
		RetryDelay:   100 * time.Millisecond,
	}
}

// Supervisor owns the fsnotify watch on one configuration file.
type Supervisor struct {
	path  string
	apply func(*config.Config) error
	log   *zap.SugaredLogger
	opts  Options

	watcher  *fsnotify.Watcher
	queue    chan *config.Config
	stop     chan struct{}
	done     chan struct{}
	workerWg sync.WaitGroup
}

// Start begins watching path. Accepted changes are re-parsed and queued to
// a single worker, so applies run off the watch loop but strictly in the
// order the changes arrived.
func Start(path string, apply func(*config.Config) error, log *zap.SugaredLogger, opts Options) (*Supervisor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}

	s := &Supervisor{
		path:    path,
		apply:   apply,
		log:     log,
		opts:    opts,
		watcher: w,
		queue:   make(chan *config.Config, 16),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if s.log != nil {
		s.log.Infow("watching configuration", "path", path)
	}
	s.workerWg.Add(1)
	go s.applyLoop()
	go s.run()
	return s, nil
}

// Stop ends the watch, drains queued applies and waits for both loops.
func (s *Supervisor) Stop() {
	close(s.stop)
	<-s.done
	s.workerWg.Wait()
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.watcher.Close()
	defer close(s.queue)

	var last time.Time
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !relevant(ev.Op) {
				continue
			}
			if time.Since(last) <= s.opts.Debounce {
				continue
			}
			last = time.Now()
			s.handle(ev.Op)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if s.log != nil {
				s.log.Warnw("watch error", "error", err)
			}
		}
	}
}

func relevant(op fsnotify.Op) bool {
	return op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}

func (s *Supervisor) handle(op fsnotify.Op) {
	// A rename or remove usually means an atomic replace: the watch points
	// at the old inode, so it must be moved to the new file.
	if op&(fsnotify.Rename|fsnotify.Remove) != 0 {
		time.Sleep(s.opts.RewatchDelay)
		s.rewatch()
	}

	cfg, err := s.loadWithRetry()
	if err != nil {
		if s.log != nil {
			s.log.Errorw("reload rejected, keeping current configuration", "error", err)
		}
		return
	}

	s.queue <- cfg
}

// applyLoop is the single consumer of queued configurations. One worker,
// one apply at a time: a slow listener rebind cannot be overtaken by a
// later configuration, so the last change written always wins.
func (s *Supervisor) applyLoop() {
	defer s.workerWg.Done()
	for cfg := range s.queue {
		if err := s.apply(cfg); err != nil {
			if s.log != nil {
				s.log.Errorw("reload apply failed", "error", err)
			}
			continue
		}
		if s.log != nil {
			s.log.Infow("configuration reloaded", "path", s.path)
		}
	}
}

func (s *Supervisor) rewatch() {
	_ = s.watcher.Remove(s.path)
	for i := 0; i < s.opts.MaxRetries; i++ {
		if err := s.watcher.Add(s.path); err == nil {
			return
		}
		time.Sleep(s.opts.RetryDelay)
	}
	if s.log != nil {
		s.log.Errorw("could not re-watch configuration", "path", s.path, "retries", s.opts.MaxRetries)
	}
}

func (s *Supervisor) loadWithRetry() (*config.Config, error) {
	var cfg *config.Config
	var err error
	for i := 0; i <= s.opts.MaxRetries; i++ {
		cfg, err = config.Load(s.path)
		if err == nil {
			return cfg, nil
		}
		time.Sleep(s.opts.RetryDelay)
	}
	return nil, err
}
