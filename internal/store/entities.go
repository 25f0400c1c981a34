package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 300 * time.Millisecond

// Skill is an instruction pack the prompt builder can inject. Always-on
// skills go into every turn; the rest are summarized by name.
type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	AlwaysOn    bool   `json:"always_on,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`

	// Content holds the body of content.md, not part of the metadata
	// file.
	Content string `json:"-"`
}

// IsEnabled defaults to true when the field is absent.
func (s Skill) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// Extension is a named settings bag for optional integrations, looked
// up per call so edits apply without a restart.
type Extension struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
}

func (e Extension) IsEnabled() bool { return e.Enabled == nil || *e.Enabled }

// Project is a registered workspace directory.
type Project struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Entities mirrors the skills/, extensions/ and projects/ directories:
// one subdirectory per entity holding a metadata JSON file and an
// optional content.md. A filesystem watcher reloads on change.
type Entities struct {
	root string

	mu         sync.RWMutex
	skills     []Skill
	extensions []Extension
	projects   []Project

	watcher   *fsnotify.Watcher
	done      chan struct{}
	closeOnce sync.Once
}

// OpenEntities loads the entity directories under root and starts the
// change watcher.
func OpenEntities(root string) (*Entities, error) {
	for _, sub := range []string{"skills", "extensions", "projects"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, err
		}
	}

	e := &Entities{root: root, done: make(chan struct{})}
	e.Reload()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		// Degrade to load-once; explicit Reload still works.
		slog.Warn("store.watch_unavailable", "error", err)
		return e, nil
	}
	e.watcher = w
	e.addWatches()
	go e.watch()
	return e, nil
}

// Close stops the watcher.
func (e *Entities) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		if e.watcher != nil {
			e.watcher.Close()
		}
	})
}

// Reload re-reads every entity directory.
func (e *Entities) Reload() {
	skills := loadSkills(filepath.Join(e.root, "skills"))
	exts := loadExtensions(filepath.Join(e.root, "extensions"))
	projects := loadProjects(filepath.Join(e.root, "projects"))

	e.mu.Lock()
	e.skills, e.extensions, e.projects = skills, exts, projects
	e.mu.Unlock()
	slog.Debug("store.entities_loaded",
		"skills", len(skills), "extensions", len(exts), "projects", len(projects))
}

// AlwaysOnSkills returns enabled skills whose content is injected into
// every prompt.
func (e *Entities) AlwaysOnSkills() []Skill {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Skill
	for _, s := range e.skills {
		if s.IsEnabled() && s.AlwaysOn {
			out = append(out, s)
		}
	}
	return out
}

// OnDemandSkills returns enabled skills that are only summarized in the
// prompt.
func (e *Entities) OnDemandSkills() []Skill {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Skill
	for _, s := range e.skills {
		if s.IsEnabled() && !s.AlwaysOn {
			out = append(out, s)
		}
	}
	return out
}

// Projects returns the registered workspaces.
func (e *Entities) Projects() []Project {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Project, len(e.projects))
	copy(out, e.projects)
	return out
}

// ExtensionSetting resolves one setting of an enabled extension.
func (e *Entities) ExtensionSetting(extension, key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ext := range e.extensions {
		if ext.Name != extension || !ext.IsEnabled() {
			continue
		}
		v, ok := ext.Settings[key]
		return v, ok && v != ""
	}
	return "", false
}

func (e *Entities) addWatches() {
	for _, sub := range []string{"skills", "extensions", "projects"} {
		dir := filepath.Join(e.root, sub)
		if err := e.watcher.Add(dir); err != nil {
			slog.Debug("store.watch_add_failed", "dir", dir, "error", err)
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			if ent.IsDir() {
				e.watcher.Add(filepath.Join(dir, ent.Name()))
			}
		}
	}
}

// watch coalesces bursts of filesystem events into one reload.
func (e *Entities) watch() {
	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-e.done:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			// New entity directories need their own watch.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					e.watcher.Add(ev.Name)
				}
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
				fire = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(reloadDebounce)
			}
		case <-fire:
			e.Reload()
			debounce = nil
			fire = nil
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			slog.Debug("store.watch_error", "error", err)
		}
	}
}

func loadSkills(dir string) []Skill {
	var out []Skill
	forEachEntity(dir, "skill.json", func(entityDir string, data []byte) {
		var s Skill
		if err := json.Unmarshal(data, &s); err != nil {
			slog.Warn("store.skill_corrupt", "dir", entityDir, "error", err)
			return
		}
		if s.Name == "" {
			s.Name = filepath.Base(entityDir)
		}
		if body, err := os.ReadFile(filepath.Join(entityDir, "content.md")); err == nil {
			s.Content = string(body)
		}
		out = append(out, s)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func loadExtensions(dir string) []Extension {
	var out []Extension
	forEachEntity(dir, "extension.json", func(entityDir string, data []byte) {
		var e Extension
		if err := json.Unmarshal(data, &e); err != nil {
			slog.Warn("store.extension_corrupt", "dir", entityDir, "error", err)
			return
		}
		if e.Name == "" {
			e.Name = filepath.Base(entityDir)
		}
		out = append(out, e)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func loadProjects(dir string) []Project {
	var out []Project
	forEachEntity(dir, "project.json", func(entityDir string, data []byte) {
		var p Project
		if err := json.Unmarshal(data, &p); err != nil {
			slog.Warn("store.project_corrupt", "dir", entityDir, "error", err)
			return
		}
		if p.Name == "" {
			p.Name = filepath.Base(entityDir)
		}
		out = append(out, p)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// forEachEntity calls fn for every subdirectory of dir that contains
// the metadata file.
func forEachEntity(dir, metaFile string, fn func(entityDir string, data []byte)) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		entityDir := filepath.Join(dir, ent.Name())
		data, err := os.ReadFile(filepath.Join(entityDir, metaFile))
		if err != nil {
			continue
		}
		fn(entityDir, data)
	}
}
