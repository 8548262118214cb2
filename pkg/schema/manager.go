package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"relayd/pkg/observability"
)

// Phases lists every event-script lifecycle phase a collection directory
// scaffolds a file for.
var Phases = []string{"validate", "beforerequest", "get", "post", "put", "delete", "aftercommit"}

// UsersCollectionConfig is the fixed, built-in schema auto-created for the
// reserved `users` collection on first run.
func UsersCollectionConfig() *Config {
	return &Config{
		Name: "users",
		Properties: map[string]FieldSpec{
			"username": {Type: TypeString, Required: true, Unique: true},
			"email":    {Type: TypeString, Required: true, Unique: true},
			"password": {Type: TypeString, Required: true, System: true},
			"role":     {Type: TypeString, Default: "user"},
		},
	}
}

// Manager owns the on-disk resources/{collection}/ layout: config.json plus
// one scaffolded file per lifecycle phase. Reads/writes are serialized per
// collection so concurrent admin edits cannot tear a config.json or a
// script file mid-write.
type Manager struct {
	root string
	log  *observability.Logger

	mu       sync.RWMutex
	configs  map[string]*Config
	fileLock map[string]*sync.Mutex

	watcher   *fsnotify.Watcher
	onChange  func(collection string)
	stopWatch chan struct{}
}

// NewManager creates a Manager rooted at resources/ under root.
func NewManager(root string, log *observability.Logger) *Manager {
	return &Manager{
		root:     filepath.Join(root, "resources"),
		log:      log,
		configs:  make(map[string]*Config),
		fileLock: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) collectionDir(name string) string {
	return filepath.Join(m.root, name)
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.fileLock[name]
	if !ok {
		l = &sync.Mutex{}
		m.fileLock[name] = l
	}
	return l
}

// Bootstrap ensures resources/users exists with the fixed built-in schema.
func (m *Manager) Bootstrap() error {
	if _, err := m.Load("users"); err == nil {
		return nil
	}
	return m.Create(UsersCollectionConfig())
}

// Create writes config.json and an empty, commented scaffold file per
// lifecycle phase for a new collection.
func (m *Manager) Create(cfg *Config) error {
	lock := m.lockFor(cfg.Name)
	lock.Lock()
	defer lock.Unlock()

	dir := m.collectionDir(cfg.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("schema: creating %s: %w", dir, err)
	}

	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		return fmt.Errorf("schema: writing config.json: %w", err)
	}

	for _, phase := range Phases {
		path := filepath.Join(dir, phase+".lua")
		if _, err := os.Stat(path); err == nil {
			continue
		}
		comment := fmt.Sprintf("-- %s handler for %s. Define Run(ctx) to enable.\n", phase, cfg.Name)
		if err := os.WriteFile(path, []byte(comment), 0644); err != nil {
			return fmt.Errorf("schema: scaffolding %s: %w", path, err)
		}
	}

	m.mu.Lock()
	m.configs[cfg.Name] = cfg
	m.mu.Unlock()

	if m.watcher != nil {
		_ = m.watcher.Add(dir)
	}

	return nil
}

// Update persists a schema change additively: existing fields are never
// removed by this call, only added to or overwritten.
func (m *Manager) Update(name string, fields map[string]FieldSpec) (*Config, error) {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	cfg, err := m.loadLocked(name)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		cfg.Properties[k] = v
	}

	data, err := Marshal(cfg)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(m.collectionDir(name), "config.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("schema: writing config.json: %w", err)
	}

	m.mu.Lock()
	m.configs[name] = cfg
	m.mu.Unlock()

	return cfg, nil
}

// Delete removes a collection's config.json and scripts. Cascading removal
// of its documents is the caller's responsibility, via the store; the admin
// delete-collection handler drops the documents before calling Delete.
func (m *Manager) Delete(name string) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(m.collectionDir(name)); err != nil {
		return fmt.Errorf("schema: deleting %s: %w", name, err)
	}

	m.mu.Lock()
	delete(m.configs, name)
	m.mu.Unlock()
	return nil
}

// Load returns a collection's config, reading config.json from disk on
// first access and caching it thereafter (invalidated by Watch on change).
func (m *Manager) Load(name string) (*Config, error) {
	m.mu.RLock()
	cfg, ok := m.configs[name]
	m.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()
	return m.loadLocked(name)
}

func (m *Manager) loadLocked(name string) (*Config, error) {
	path := filepath.Join(m.collectionDir(name), "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: collection %q not found: %w", name, err)
	}
	cfg, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	cfg.Name = name

	m.mu.Lock()
	m.configs[name] = cfg
	m.mu.Unlock()
	return cfg, nil
}

// List returns the names of all known collections.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Watch starts an fsnotify watch over resources/ so that config.json edits
// invalidate the cache and script file changes invalidate the event host's
// compilation cache. onChange is invoked with the collection
// name whenever any file under its directory changes.
func (m *Manager) Watch(onChange func(collection string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("schema: starting watcher: %w", err)
	}
	if err := os.MkdirAll(m.root, 0755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(m.root); err != nil {
		watcher.Close()
		return err
	}
	if names, err := m.List(); err == nil {
		for _, name := range names {
			_ = watcher.Add(m.collectionDir(name))
		}
	}

	m.watcher = watcher
	m.onChange = onChange
	m.stopWatch = make(chan struct{})

	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			collection := filepath.Base(filepath.Dir(event.Name))
			if event.Name == m.root {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				m.mu.Lock()
				delete(m.configs, collection)
				m.mu.Unlock()
				if m.onChange != nil {
					m.onChange(collection)
				}
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			if m.log != nil {
				m.log.WithError(err).Warn("schema watcher error")
			}
		case <-m.stopWatch:
			return
		}
	}
}

// Close stops the filesystem watch.
func (m *Manager) Close() error {
	if m.watcher == nil {
		return nil
	}
	close(m.stopWatch)
	return m.watcher.Close()
}
