package core

import (
	"fmt"
	"sort"
	"sync"

	"trackcore/pkg/domain"
)

// Plugin contributes per-class capabilities and rules.
type Plugin interface {
	Name() string
	Version() string
	Register(registry *PluginRegistry) error
}

// PluginRegistry accumulates plugin contributions during registration.
type PluginRegistry struct {
	rules      []domain.Rule
	segmenters map[int]domain.Segmenter
	trackers   map[int]domain.Tracker
	splitters  map[int]domain.ObjectSplitter
	mergers    map[int]domain.RegionMerger
}

// NewPluginRegistry constructs an empty registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		segmenters: make(map[int]domain.Segmenter),
		trackers:   make(map[int]domain.Tracker),
		splitters:  make(map[int]domain.ObjectSplitter),
		mergers:    make(map[int]domain.RegionMerger),
	}
}

// RegisterRule adds a rule evaluated at the end of every edit batch.
func (r *PluginRegistry) RegisterRule(rule domain.Rule) {
	if rule == nil {
		return
	}
	r.rules = append(r.rules, rule)
}

// RegisterSegmenter binds a segmenter to a class.
func (r *PluginRegistry) RegisterSegmenter(class int, s domain.Segmenter) {
	if s != nil {
		r.segmenters[class] = s
	}
}

// RegisterTracker binds a tracker to a class.
func (r *PluginRegistry) RegisterTracker(class int, t domain.Tracker) {
	if t != nil {
		r.trackers[class] = t
	}
}

// RegisterSplitter binds a splitter to a class.
func (r *PluginRegistry) RegisterSplitter(class int, s domain.ObjectSplitter) {
	if s != nil {
		r.splitters[class] = s
	}
}

// RegisterMerger binds a region merger to a class.
func (r *PluginRegistry) RegisterMerger(class int, m domain.RegionMerger) {
	if m != nil {
		r.mergers[class] = m
	}
}

// Rules returns a copy of registered rules.
func (r *PluginRegistry) Rules() []domain.Rule {
	out := make([]domain.Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

func (r *PluginRegistry) classes() []int {
	seen := make(map[int]struct{})
	for c := range r.segmenters {
		seen[c] = struct{}{}
	}
	for c := range r.trackers {
		seen[c] = struct{}{}
	}
	for c := range r.splitters {
		seen[c] = struct{}{}
	}
	for c := range r.mergers {
		seen[c] = struct{}{}
	}
	out := make([]int, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// PluginMetadata describes an installed plugin.
type PluginMetadata struct {
	Name    string
	Version string
	Classes []int
	Rules   []string
}

// Plugins holds the capabilities available per object class. Lookups of a
// class without a capability return nil.
type Plugins struct {
	mu         sync.RWMutex
	segmenters map[int]domain.Segmenter
	trackers   map[int]domain.Tracker
	splitters  map[int]domain.ObjectSplitter
	mergers    map[int]domain.RegionMerger
	installed  map[string]PluginMetadata
}

// NewPlugins returns an empty capability set.
func NewPlugins() *Plugins {
	return &Plugins{
		segmenters: make(map[int]domain.Segmenter),
		trackers:   make(map[int]domain.Tracker),
		splitters:  make(map[int]domain.ObjectSplitter),
		mergers:    make(map[int]domain.RegionMerger),
		installed:  make(map[string]PluginMetadata),
	}
}

// Install registers a plugin. Capabilities of a later plugin replace earlier
// ones for the same class. The plugin's rules are returned for the caller to
// wire into its engine.
func (p *Plugins) Install(plugin Plugin) (PluginMetadata, []domain.Rule, error) {
	if plugin == nil {
		return PluginMetadata{}, nil, fmt.Errorf("plugin cannot be nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.installed[plugin.Name()]; ok {
		return PluginMetadata{}, nil, fmt.Errorf("plugin %s already registered", plugin.Name())
	}
	registry := NewPluginRegistry()
	if err := plugin.Register(registry); err != nil {
		return PluginMetadata{}, nil, fmt.Errorf("register plugin %s: %w", plugin.Name(), err)
	}
	for c, s := range registry.segmenters {
		p.segmenters[c] = s
	}
	for c, t := range registry.trackers {
		p.trackers[c] = t
	}
	for c, s := range registry.splitters {
		p.splitters[c] = s
	}
	for c, m := range registry.mergers {
		p.mergers[c] = m
	}
	rules := registry.Rules()
	meta := PluginMetadata{
		Name:    plugin.Name(),
		Version: plugin.Version(),
		Classes: registry.classes(),
	}
	for _, r := range rules {
		meta.Rules = append(meta.Rules, r.Name())
	}
	p.installed[plugin.Name()] = meta
	return meta, rules, nil
}

// Installed returns metadata of installed plugins ordered by name.
func (p *Plugins) Installed() []PluginMetadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PluginMetadata, 0, len(p.installed))
	for _, meta := range p.installed {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Segmenter returns the segmenter of class.
func (p *Plugins) Segmenter(class int) domain.Segmenter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.segmenters[class]
}

// Tracker returns the tracker of class.
func (p *Plugins) Tracker(class int) domain.Tracker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trackers[class]
}

// Splitter returns the splitter of class.
func (p *Plugins) Splitter(class int) domain.ObjectSplitter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.splitters[class]
}

// Merger returns the region merger of class.
func (p *Plugins) Merger(class int) domain.RegionMerger {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mergers[class]
}
