// Package plan loads battle plans (declarative workflow templates) from YAML
// and compiles them into dependency-ordered work items. Plans live in two
// roots: a system directory shipped with the tool and a workspace directory
// whose plans override system ones by name.
package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/squad/internal/log"
)

// Condition gates whether a phase runs relative to its dependencies.
type Condition string

const (
	ConditionAlways    Condition = "always"
	ConditionOnSuccess Condition = "on_success"
	ConditionOnFailure Condition = "on_failure"
	ConditionManual    Condition = "manual"
)

// Phase is one step of a battle plan.
type Phase struct {
	Name            string            `yaml:"name"`
	Agent           string            `yaml:"agent"`
	Action          string            `yaml:"action"`
	Condition       Condition         `yaml:"condition"`
	ContinueOnError bool              `yaml:"continue_on_error"`
	TimeoutMinutes  int               `yaml:"timeout_minutes"`
	DependsOn       []string          `yaml:"depends_on"`
	ParallelWith    []string          `yaml:"parallel_with"`
	Inputs          map[string]string `yaml:"inputs"`
	Outputs         []string          `yaml:"outputs"`
}

// Plan is a named workflow template.
type Plan struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Version     string            `yaml:"version"`
	Phases      []Phase           `yaml:"phases"`
	Steps       []Phase           `yaml:"steps"` // legacy key, treated as phases
	Variables   map[string]string `yaml:"variables"`
	Labels      []string          `yaml:"labels"`

	// Source records which file the plan came from.
	Source string `yaml:"-"`
}

// normalize folds the legacy steps key into phases and fills defaults.
func (p *Plan) normalize() {
	if len(p.Phases) == 0 && len(p.Steps) > 0 {
		p.Phases = p.Steps
	}
	p.Steps = nil
	for i := range p.Phases {
		if p.Phases[i].Condition == "" {
			p.Phases[i].Condition = ConditionAlways
		}
	}
}

// Phase returns the named phase.
func (p *Plan) Phase(name string) (*Phase, bool) {
	for i := range p.Phases {
		if p.Phases[i].Name == name {
			return &p.Phases[i], true
		}
	}
	return nil, false
}

// Dependencies resolves the effective dependency set of a phase: an explicit
// depends_on wins; a phase with parallel_with inherits the dependencies of
// the phases it runs alongside; otherwise the phase depends on its
// predecessor in plan order (first phase has none).
func (p *Plan) Dependencies(idx int) []string {
	ph := &p.Phases[idx]
	if ph.DependsOn != nil {
		return ph.DependsOn
	}
	if len(ph.ParallelWith) > 0 {
		seen := make(map[string]bool)
		var deps []string
		for _, sibling := range ph.ParallelWith {
			for j := range p.Phases {
				if p.Phases[j].Name != sibling {
					continue
				}
				for _, d := range p.Dependencies(j) {
					if !seen[d] {
						seen[d] = true
						deps = append(deps, d)
					}
				}
			}
		}
		return deps
	}
	if idx == 0 {
		return nil
	}
	return []string{p.Phases[idx-1].Name}
}

// Validate checks phase names are unique and dependencies resolve.
func (p *Plan) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("plan has no name (source %s)", p.Source)
	}
	seen := make(map[string]bool)
	for _, ph := range p.Phases {
		if ph.Name == "" {
			return fmt.Errorf("plan %s: phase with empty name", p.Name)
		}
		if seen[ph.Name] {
			return fmt.Errorf("plan %s: duplicate phase %s", p.Name, ph.Name)
		}
		seen[ph.Name] = true
	}
	for i := range p.Phases {
		for _, dep := range p.Dependencies(i) {
			if !seen[dep] {
				return fmt.Errorf("plan %s: phase %s depends on unknown phase %s", p.Name, p.Phases[i].Name, dep)
			}
		}
	}
	return nil
}

var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// Substitute replaces {{var}} references in s from vars. Unknown variables
// are left in place.
func Substitute(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := strings.TrimSpace(varPattern.FindStringSubmatch(m)[1])
		if v, ok := vars[key]; ok {
			return v
		}
		return m
	})
}

// Library holds the loaded plans. Reload is safe to call concurrently with
// reads.
type Library struct {
	systemDir    string
	workspaceDir string

	mu    sync.RWMutex
	plans map[string]*Plan
}

// NewLibrary loads plans from both roots. Either root may be empty or
// missing.
func NewLibrary(systemDir, workspaceDir string) (*Library, error) {
	l := &Library{systemDir: systemDir, workspaceDir: workspaceDir}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// loadDir parses every *.yaml / *.yml plan in dir into out, overwriting
// same-name plans with a warning.
func loadDir(dir string, out map[string]*Plan) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read plan dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read plan %s: %w", path, err)
		}
		var p Plan
		if err := yaml.Unmarshal(data, &p); err != nil {
			log.Warn(log.CatPlan, "skipping unparseable plan", "path", path)
			continue
		}
		p.normalize()
		p.Source = path
		if err := p.Validate(); err != nil {
			log.Warn(log.CatPlan, "skipping invalid plan", "path", path, "reason", err.Error())
			continue
		}
		if prev, ok := out[p.Name]; ok {
			log.Warn(log.CatPlan, "plan overridden", "name", p.Name,
				"previous", prev.Source, "override", path)
		}
		out[p.Name] = &p
	}
	return nil
}

// Reload re-reads both roots, workspace last so it overrides.
func (l *Library) Reload() error {
	plans := make(map[string]*Plan)
	if err := loadDir(l.systemDir, plans); err != nil {
		return err
	}
	if err := loadDir(l.workspaceDir, plans); err != nil {
		return err
	}

	l.mu.Lock()
	l.plans = plans
	l.mu.Unlock()

	log.Info(log.CatPlan, "plan library loaded", "count", len(plans))
	return nil
}

// Get returns the named plan.
func (l *Library) Get(name string) (*Plan, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.plans[name]
	return p, ok
}

// Names returns the registered plan names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.plans))
	for name := range l.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register inserts a plan built in code, overwriting any same-name plan with
// a warning.
func (l *Library) Register(p *Plan) error {
	p.normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.plans[p.Name]; ok {
		log.Warn(log.CatPlan, "plan overridden", "name", p.Name)
	}
	if l.plans == nil {
		l.plans = make(map[string]*Plan)
	}
	l.plans[p.Name] = p
	return nil
}
