package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/maestro-run/maestro/pkg/agent"
)

// watchDebounce coalesces bursts of filesystem events into one rescan.
const watchDebounce = 500 * time.Millisecond

// Loader discovers plugins and registers them as agents. Compiled-in plugins
// are added with Add; declarative plugins are read from the plugin directory
// on Scan and on filesystem changes while watching.
type Loader struct {
	agents *agent.Registry
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	builtin  []Plugin
	fromDir  map[string]string // agent id -> manifest path of the last scan
	timer    *time.Timer
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLoader creates a loader over the given plugin directory. dir may be
// empty, in which case only compiled-in plugins are loaded.
func NewLoader(agents *agent.Registry, dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		agents:  agents,
		dir:     dir,
		logger:  logger.With("component", "plugin"),
		fromDir: make(map[string]string),
		stopCh:  make(chan struct{}),
	}
}

// Add registers a compiled-in plugin. It takes effect on the next Scan.
func (l *Loader) Add(p Plugin) {
	l.mu.Lock()
	l.builtin = append(l.builtin, p)
	l.mu.Unlock()
}

// Scan loads every plugin and registers the resulting agents. Registration is
// idempotent: rescanning an unchanged directory changes nothing, a bumped
// version replaces the previous registration, and agents whose manifest file
// disappeared are unregistered. Returns the ids registered or refreshed.
func (l *Loader) Scan() ([]string, error) {
	l.mu.Lock()
	builtin := make([]Plugin, len(l.builtin))
	copy(builtin, l.builtin)
	previous := l.fromDir
	l.mu.Unlock()

	var loaded []string
	for _, p := range builtin {
		id, err := l.register(p)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, id)
	}

	current := make(map[string]string)
	if l.dir != "" {
		paths, err := manifestPaths(l.dir)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			p, err := loadManifest(path)
			if err != nil {
				// One broken manifest must not take down the rest.
				l.logger.Warn("Skipping plugin manifest", "path", path, "error", err)
				continue
			}
			id, err := l.register(p)
			if err != nil {
				l.logger.Warn("Skipping plugin", "path", path, "error", err)
				continue
			}
			current[id] = path
			loaded = append(loaded, id)
		}
	}

	for id := range previous {
		if _, still := current[id]; !still {
			if l.agents.Unregister(id) {
				l.logger.Info("Plugin removed", "agent_id", id)
			}
		}
	}

	l.mu.Lock()
	l.fromDir = current
	l.mu.Unlock()

	sort.Strings(loaded)
	return loaded, nil
}

func (l *Loader) register(p Plugin) (string, error) {
	a, err := Agent(p)
	if err != nil {
		return "", err
	}
	replaced, err := l.agents.Register(a)
	if err != nil {
		return "", fmt.Errorf("register plugin %s: %w", a.ID, err)
	}
	if replaced {
		l.logger.Info("Plugin registered", "agent_id", a.ID, "version", a.Version)
	}
	return a.ID, nil
}

// Watch starts rescanning on filesystem changes to the plugin directory.
// Events are debounced. The watch stops when ctx is done or Stop is called.
func (l *Loader) Watch(ctx context.Context) error {
	if l.dir == "" {
		return fmt.Errorf("no plugin directory to watch")
	}
	l.mu.Lock()
	if l.watcher != nil {
		l.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.watcher = watcher
	l.mu.Unlock()

	if err := watcher.Add(l.dir); err != nil {
		_ = watcher.Close()
		l.mu.Lock()
		l.watcher = nil
		l.mu.Unlock()
		return fmt.Errorf("watch plugin dir %s: %w", l.dir, err)
	}

	go l.watchLoop(watcher)
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				l.Stop()
			case <-l.stopCh:
			}
		}()
	}
	l.logger.Info("Watching plugin directory", "dir", l.dir)
	return nil
}

// Stop terminates the watcher.
func (l *Loader) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.mu.Lock()
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		if l.watcher != nil {
			_ = l.watcher.Close()
			l.watcher = nil
		}
		l.mu.Unlock()
	})
}

func (l *Loader) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case <-l.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isManifestPath(event.Name) {
				continue
			}
			l.scheduleScan()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("Plugin watcher error", "error", err)
		}
	}
}

func (l *Loader) scheduleScan() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(watchDebounce, func() {
		select {
		case <-l.stopCh:
			return
		default:
		}
		if _, err := l.Scan(); err != nil {
			l.logger.Warn("Plugin rescan failed", "error", err)
		}
	})
}

func manifestPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !isManifestPath(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func isManifestPath(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
