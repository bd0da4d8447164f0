// Package watch observes repository directory trees via fsnotify and
// coalesces notification bursts into rate-bounded update signals. It knows
// nothing about file contents; downstream stages re-scan on every update.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounce is how long a repository must stay quiet before a
	// burst of filesystem notifications collapses into one update.
	DefaultDebounce = 400 * time.Millisecond

	// DefaultThrottle is the minimum spacing between successive updates
	// for one repository. An update arriving early is deferred to exactly
	// fill the remaining interval, never dropped.
	DefaultThrottle = 2 * time.Second
)

// Update is one coalesced change notification for a repository.
type Update struct {
	Repo string
	Kind string // last raw fsnotify op in the burst, lowercase
	Path string // last path touched in the burst
}

// RepoError reports a recoverable observation error. The repository keeps
// being watched.
type RepoError struct {
	Repo string
	Err  error
}

// repoWatch is the per-repository context: its root, its pending debounce
// timer, and its emission clock. Each repository's timers are independent.
type repoWatch struct {
	name string
	root string

	timer       *time.Timer
	pendingKind string
	pendingPath string
	lastEmit    time.Time
}

// Watcher multiplexes any number of repositories over one fsnotify instance.
type Watcher struct {
	debounce time.Duration
	throttle time.Duration

	fsw *fsnotify.Watcher

	mu    sync.Mutex
	repos map[string]*repoWatch

	updates chan Update
	errors  chan RepoError

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

func New(debounce, throttle time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if throttle <= 0 {
		throttle = DefaultThrottle
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		debounce: debounce,
		throttle: throttle,
		fsw:      fsw,
		repos:    make(map[string]*repoWatch),
		updates:  make(chan Update, 64),
		errors:   make(chan RepoError, 16),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}

	go w.eventLoop()
	return w, nil
}

// Updates delivers coalesced change notifications.
func (w *Watcher) Updates() <-chan Update { return w.updates }

// Errors delivers recoverable observation errors.
func (w *Watcher) Errors() <-chan RepoError { return w.errors }

// Watch begins observing a repository root, including all existing
// subdirectories. Directories created later are picked up from their create
// events.
func (w *Watcher) Watch(repo, root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.repos[repo]; exists {
		return nil
	}

	if err := w.addTree(root); err != nil {
		return err
	}

	w.repos[repo] = &repoWatch{name: repo, root: root}
	slog.Info("watching repository", "repo", repo, "root", root)
	return nil
}

// Unwatch stops observing a repository and cancels any pending debounce
// timer so nothing fires into a torn-down state. Safe to call at any time,
// including mid-debounce.
func (w *Watcher) Unwatch(repo string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rw, ok := w.repos[repo]
	if !ok {
		return
	}
	if rw.timer != nil {
		rw.timer.Stop()
		rw.timer = nil
	}
	delete(w.repos, repo)

	for _, watched := range w.fsw.WatchList() {
		if watched == rw.root || strings.HasPrefix(watched, rw.root+string(filepath.Separator)) {
			w.fsw.Remove(watched)
		}
	}
	slog.Info("stopped watching repository", "repo", repo)
}

// Stop tears down the watcher and every pending timer.
func (w *Watcher) Stop() {
	w.cancel()

	w.mu.Lock()
	for _, rw := range w.repos {
		if rw.timer != nil {
			rw.timer.Stop()
			rw.timer = nil
		}
	}
	w.repos = make(map[string]*repoWatch)
	w.mu.Unlock()

	w.fsw.Close()
	slog.Info("watcher stopped")
}

// addTree registers root and all nested directories with fsnotify.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// New directories must be watched before their contents produce
	// events. The whole subtree is added because nested directories may
	// already exist by the time the create event is handled.
	if event.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				slog.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}

	// Writers using temp-and-rename produce noise on .tmp and .lock files.
	base := filepath.Base(event.Name)
	if strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".lock") {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rw := w.repoForPath(event.Name)
	if rw == nil {
		return
	}

	rw.pendingKind = strings.ToLower(event.Op.String())
	rw.pendingPath = event.Name

	// Every new notification resets the debounce window.
	if rw.timer != nil {
		rw.timer.Stop()
	}
	repo := rw.name
	rw.timer = time.AfterFunc(w.debounce, func() { w.fire(repo) })
}

// fire runs when a repository has been quiet for the debounce window. If the
// throttle floor has not elapsed since the last emission, the firing is
// deferred to exactly fill the remaining interval.
func (w *Watcher) fire(repo string) {
	w.mu.Lock()

	rw, ok := w.repos[repo]
	if !ok || w.ctx.Err() != nil {
		// Unwatched or stopped while the timer was in flight.
		w.mu.Unlock()
		return
	}

	if elapsed := w.now().Sub(rw.lastEmit); elapsed < w.throttle {
		remaining := w.throttle - elapsed
		rw.timer = time.AfterFunc(remaining, func() { w.fire(repo) })
		w.mu.Unlock()
		return
	}

	rw.lastEmit = w.now()
	rw.timer = nil
	update := Update{Repo: repo, Kind: rw.pendingKind, Path: rw.pendingPath}
	w.mu.Unlock()

	select {
	case w.updates <- update:
	case <-w.ctx.Done():
	}
}

// repoForPath resolves an event path to its owning repository. Caller holds
// w.mu.
func (w *Watcher) repoForPath(path string) *repoWatch {
	for _, rw := range w.repos {
		if path == rw.root || strings.HasPrefix(path, rw.root+string(filepath.Separator)) {
			return rw
		}
	}
	return nil
}

// reportError surfaces an fsnotify error without crashing the loop. The
// error is not attributable to a single repository, so it is fanned out to
// every watched repo.
func (w *Watcher) reportError(err error) {
	w.mu.Lock()
	repos := make([]string, 0, len(w.repos))
	for name := range w.repos {
		repos = append(repos, name)
	}
	w.mu.Unlock()

	slog.Error("fsnotify error", "error", err)
	for _, repo := range repos {
		select {
		case w.errors <- RepoError{Repo: repo, Err: err}:
		default:
			// A full error channel must not stall the event loop.
		}
	}
}
