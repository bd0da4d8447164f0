// Package engine owns the observation pipeline: filesystem bursts from the
// watcher are turned into fresh repository snapshots, diffed against the
// previous snapshot, and the resulting events are published on the bus. All
// snapshot mutation funnels through here; everything downstream only reads.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pyrite/server/bus"
	"github.com/pyrite/server/detect"
	"github.com/pyrite/server/state"
	"github.com/pyrite/server/watch"
	"github.com/pyrite/server/workeffort"
)

// Notifier receives pipeline outcomes for delivery to connected observers.
// All methods must be non-blocking; slow consumers are the implementer's
// problem, never the pipeline's.
type Notifier interface {
	RepoUpdated(repo string, snapshot workeffort.RepoState)
	ReposChanged(action string, repos []string)
	RepoError(repo string, message string)
}

// Engine coordinates watcher, parser, store and bus for a set of
// repositories.
type Engine struct {
	watcher  *watch.Watcher
	store    *state.Store
	bus      *bus.Bus
	notifier Notifier

	mu         sync.Mutex
	repos      map[string]string      // name -> work-efforts root
	refreshing map[string]*sync.Mutex // serializes Refresh per repository

	done chan struct{}
	wg   sync.WaitGroup
}

// Option adjusts Engine construction.
type Option func(*options)

type options struct {
	debounce time.Duration
	throttle time.Duration
	notifier Notifier
}

// WithTimings overrides the watcher's debounce and throttle intervals.
func WithTimings(debounce, throttle time.Duration) Option {
	return func(o *options) {
		o.debounce = debounce
		o.throttle = throttle
	}
}

// WithNotifier attaches an observer sink.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func New(b *bus.Bus, opts ...Option) (*Engine, error) {
	o := options{
		debounce: watch.DefaultDebounce,
		throttle: watch.DefaultThrottle,
	}
	for _, opt := range opts {
		opt(&o)
	}

	w, err := watch.New(o.debounce, o.throttle)
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &Engine{
		watcher:    w,
		store:      state.NewStore(),
		bus:        b,
		notifier:   o.notifier,
		repos:      make(map[string]string),
		refreshing: make(map[string]*sync.Mutex),
		done:       make(chan struct{}),
	}, nil
}

func (e *Engine) Bus() *bus.Bus       { return e.bus }
func (e *Engine) Store() *state.Store { return e.store }

// Start begins consuming watcher updates. It returns immediately.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop tears down the watcher and waits for the pipeline goroutine.
func (e *Engine) Stop() {
	e.watcher.Stop()
	close(e.done)
	e.wg.Wait()
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case up, ok := <-e.watcher.Updates():
			if !ok {
				return
			}
			if _, err := e.Refresh(up.Repo); err != nil {
				slog.Warn("refresh after change burst failed", "repo", up.Repo, "error", err)
			}
		case re, ok := <-e.watcher.Errors():
			if !ok {
				return
			}
			slog.Warn("watch error", "repo", re.Repo, "error", re.Err)
			e.reportError(re.Repo, re.Err.Error())
		}
	}
}

// AddRepo registers a repository root and produces its initial snapshot.
// The root must exist; a repository that disappears later stays registered
// and is reported through error snapshots instead.
func (e *Engine) AddRepo(name, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("repository root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repository root %s is not a directory", root)
	}

	e.mu.Lock()
	if _, exists := e.repos[name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("repository %s already registered", name)
	}
	e.repos[name] = root
	e.mu.Unlock()

	if err := e.watcher.Watch(name, root); err != nil {
		e.mu.Lock()
		delete(e.repos, name)
		e.mu.Unlock()
		return fmt.Errorf("watch %s: %w", name, err)
	}

	if _, err := e.Refresh(name); err != nil {
		slog.Warn("initial parse failed", "repo", name, "error", err)
	}

	if e.notifier != nil {
		e.notifier.ReposChanged("added", []string{name})
	}
	slog.Info("repository registered", "repo", name, "root", root)
	return nil
}

// AddRepos registers several repositories, skipping ones that fail, and
// announces the batch as a single change. The returned map carries the
// per-repository failures.
func (e *Engine) AddRepos(roots map[string]string) (added []string, failed map[string]error) {
	failed = make(map[string]error)

	names := make([]string, 0, len(roots))
	for name := range roots {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		root := roots[name]

		info, err := os.Stat(root)
		switch {
		case err != nil:
			failed[name] = fmt.Errorf("repository root: %w", err)
			continue
		case !info.IsDir():
			failed[name] = fmt.Errorf("repository root %s is not a directory", root)
			continue
		}

		e.mu.Lock()
		if _, exists := e.repos[name]; exists {
			e.mu.Unlock()
			failed[name] = fmt.Errorf("repository %s already registered", name)
			continue
		}
		e.repos[name] = root
		e.mu.Unlock()

		if err := e.watcher.Watch(name, root); err != nil {
			e.mu.Lock()
			delete(e.repos, name)
			e.mu.Unlock()
			failed[name] = err
			continue
		}
		if _, err := e.Refresh(name); err != nil {
			slog.Warn("initial parse failed", "repo", name, "error", err)
		}
		added = append(added, name)
	}

	if len(added) > 0 && e.notifier != nil {
		e.notifier.ReposChanged("bulk_added", added)
	}
	return added, failed
}

// RemoveRepo stops observation and drops the snapshot. Pending debounce
// timers for the repository are cancelled; nothing fires afterwards.
func (e *Engine) RemoveRepo(name string) error {
	e.mu.Lock()
	if _, exists := e.repos[name]; !exists {
		e.mu.Unlock()
		return fmt.Errorf("repository %s is not registered", name)
	}
	delete(e.repos, name)
	delete(e.refreshing, name)
	e.mu.Unlock()

	e.watcher.Unwatch(name)
	e.store.Remove(name)

	if e.notifier != nil {
		e.notifier.ReposChanged("removed", []string{name})
	}
	slog.Info("repository removed", "repo", name)
	return nil
}

// Repos returns the registered repository roots by name.
func (e *Engine) Repos() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.repos))
	for name, root := range e.repos {
		out[name] = root
	}
	return out
}

// Refresh re-parses a repository immediately, bypassing the debounce, and
// pushes the resulting snapshot through the diff and publish stages. It is
// the single entry point for snapshot replacement.
func (e *Engine) Refresh(name string) (workeffort.RepoState, error) {
	e.mu.Lock()
	root, ok := e.repos[name]
	if !ok {
		e.mu.Unlock()
		return workeffort.RepoState{}, fmt.Errorf("repository %s is not registered", name)
	}
	lock := e.refreshing[name]
	if lock == nil {
		lock = &sync.Mutex{}
		e.refreshing[name] = lock
	}
	e.mu.Unlock()

	// One refresh per repository at a time. Overlapping refreshes would both
	// read the same previous snapshot and double-emit creation events, and a
	// slower parse could overwrite a newer snapshot in the store.
	lock.Lock()
	defer lock.Unlock()

	next := workeffort.NewParser(root).ParseRepo()

	e.mu.Lock()
	_, registered := e.repos[name]
	e.mu.Unlock()
	if !registered {
		return workeffort.RepoState{}, fmt.Errorf("repository %s is not registered", name)
	}

	prev, had := e.store.Get(name)
	e.store.Set(name, next)

	if had {
		for _, ev := range detect.Diff(name, prev, next) {
			e.bus.Emit(ev)
		}
	}

	if e.notifier != nil {
		e.notifier.RepoUpdated(name, next)
		if next.Error != "" {
			e.notifier.RepoError(name, next.Error)
		}
	}
	return next, nil
}

func (e *Engine) reportError(name, message string) {
	e.mu.Lock()
	_, registered := e.repos[name]
	e.mu.Unlock()
	if !registered {
		// A watcher error can trail a removal; do not resurrect the snapshot.
		return
	}

	snapshot, _ := e.store.Get(name)
	snapshot.Error = message
	snapshot.LastUpdated = time.Now()
	e.store.Set(name, snapshot)

	if e.notifier != nil {
		e.notifier.RepoError(name, message)
	}
}
