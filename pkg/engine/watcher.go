package engine

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/strata/pkg/fault"
	"github.com/openfroyo/strata/pkg/packages"
	"github.com/openfroyo/strata/pkg/policy"
	"github.com/openfroyo/strata/pkg/telemetry"
)

// DefaultWatchDelay is how long the watcher waits for more changes to a
// package before invalidating it.
const DefaultWatchDelay = 500 * time.Millisecond

// WatchOptions configures a Watcher.
type WatchOptions struct {
	// Delay debounces changes per package. Defaults to DefaultWatchDelay.
	Delay time.Duration

	// Policies reloads the Rego policies when their files change.
	Policies bool

	// OnInvalidate is called after each invalidation.
	OnInvalidate func(name string, affected []string, err error)
}

// Watcher invalidates the caches of packages whose files change on disk.
type Watcher struct {
	ws     *Workspace
	opts   WatchOptions
	logger *telemetry.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]string
	timers  map[string]*time.Timer
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher over the workspace root.
func (w *Workspace) NewWatcher(opts WatchOptions) *Watcher {
	if opts.Delay <= 0 {
		opts.Delay = DefaultWatchDelay
	}
	return &Watcher{
		ws:      w,
		opts:    opts,
		logger:  w.tel.Logger.NewComponentLogger("watcher"),
		pending: make(map[string]string),
		timers:  make(map[string]*time.Timer),
	}
}

// Start watches the root, every package directory and their namespace
// directories. It returns once watching started.
func (wt *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fault.NewInternalError("could not create package watcher", err)
	}
	wt.watcher = watcher

	root := wt.ws.cfg.Root
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return fault.NewDataError("could not watch packages directory", err).
			WithCode(fault.CodeIO).
			WithSubject(root)
	}

	names, err := wt.ws.packages.Scan()
	if err != nil {
		wt.logger.WithError(err).Warn("Some package directories are not watched")
	}
	for _, name := range names {
		wt.addPackage(name)
	}

	ctx, cancel := context.WithCancel(ctx)
	wt.cancel = cancel
	wt.done = make(chan struct{})
	go wt.processEvents(ctx)

	if wt.opts.Policies && wt.ws.loader != nil && len(wt.ws.cfg.Policy.Paths) > 0 {
		err := wt.ws.loader.Watch(ctx, wt.ws.cfg.Policy.Paths, func(loaded []policy.Policy) error {
			return wt.ws.ReloadPolicies(ctx, loaded)
		})
		if err != nil {
			wt.logger.WithError(err).Warn("Policy files are not watched")
		}
	}

	wt.logger.WithFields(map[string]interface{}{
		"root":     root,
		"packages": len(names),
	}).Info("Started watching packages")
	return nil
}

// Stop ends watching and drops pending invalidations.
func (wt *Watcher) Stop() error {
	if wt.cancel == nil {
		return nil
	}
	wt.cancel()
	<-wt.done

	wt.mu.Lock()
	for name, t := range wt.timers {
		t.Stop()
		delete(wt.timers, name)
	}
	wt.mu.Unlock()
	return nil
}

func (wt *Watcher) addPackage(name string) {
	dir := filepath.Join(wt.ws.cfg.Root, name)
	if err := wt.watcher.Add(dir); err != nil {
		wt.logger.WithError(err).WithField("package", name).Warn("Failed to watch package directory")
		return
	}
	for _, ns := range wt.ws.cfg.Namespaces {
		wt.addTree(filepath.Join(dir, ns))
	}
}

func (wt *Watcher) addTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := wt.watcher.Add(path); err != nil {
				wt.logger.WithError(err).WithField("path", path).Debug("Failed to watch directory")
			}
		}
		return nil
	})
}

func (wt *Watcher) processEvents(ctx context.Context) {
	defer close(wt.done)
	defer func() { _ = wt.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-wt.watcher.Events:
			if !ok {
				return
			}
			wt.handle(event)

		case err, ok := <-wt.watcher.Errors:
			if !ok {
				return
			}
			wt.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (wt *Watcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	name, rel, ok := wt.locate(event.Name)
	if !ok {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if rel == "" {
				wt.addPackage(name)
			} else {
				wt.addTree(event.Name)
			}
		}
	}

	reason := ReasonFile
	switch {
	case rel == packages.ManifestFile || rel == packages.ManifestYAMLFile || rel == "":
		reason = ReasonManifest
	case strings.HasSuffix(rel, ".json") && !strings.Contains(rel, "/") &&
		slices.Contains(wt.ws.cfg.Namespaces, strings.TrimSuffix(rel, ".json")):
		reason = ReasonProperty
	}

	wt.logger.WithFields(map[string]interface{}{
		"package": name,
		"path":    rel,
		"op":      event.Op.String(),
	}).Debug("Package changed")
	_ = wt.ws.tel.Events.PublishPackageChanged(name, rel, event.Op.String())

	wt.schedule(name, reason)
}

// locate maps a path below the root to its package and the path inside it.
// The cache directory, hidden entries and lock files are ignored.
func (wt *Watcher) locate(path string) (name, rel string, ok bool) {
	if cache := wt.ws.cfg.CacheDir; cache != "" && (path == cache || strings.HasPrefix(path, cache+string(filepath.Separator))) {
		return "", "", false
	}
	r, err := filepath.Rel(wt.ws.cfg.Root, path)
	if err != nil || r == "." || strings.HasPrefix(r, "..") {
		return "", "", false
	}
	parts := strings.SplitN(filepath.ToSlash(r), "/", 2)
	name = parts[0]
	if strings.HasPrefix(name, ".") {
		return "", "", false
	}
	if len(parts) == 2 {
		rel = parts[1]
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".lock") || strings.HasSuffix(base, ".tmp") {
		return "", "", false
	}
	return name, rel, true
}

// schedule debounces the invalidation of name. The strongest reason wins.
func (wt *Watcher) schedule(name, reason string) {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	if prev, ok := wt.pending[name]; !ok || reasonRank(reason) > reasonRank(prev) {
		wt.pending[name] = reason
	}
	if t, ok := wt.timers[name]; ok {
		t.Stop()
	}
	wt.timers[name] = time.AfterFunc(wt.opts.Delay, func() { wt.fire(name) })
}

func reasonRank(reason string) int {
	switch reason {
	case ReasonManifest:
		return 2
	case ReasonProperty:
		return 1
	default:
		return 0
	}
}

func (wt *Watcher) fire(name string) {
	wt.mu.Lock()
	reason := wt.pending[name]
	delete(wt.pending, name)
	delete(wt.timers, name)
	wt.mu.Unlock()

	affected, err := wt.ws.Invalidate(context.Background(), name, reason)
	if err != nil {
		wt.logger.WithError(err).WithField("package", name).Error("Failed to invalidate package")
	}
	if wt.opts.OnInvalidate != nil {
		wt.opts.OnInvalidate(name, affected, err)
	}
}
