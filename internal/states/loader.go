package states

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"chimenet/internal/models"
	"chimenet/internal/presence"
)

// Result lists what an Apply changed
type Result struct {
	Added   []string
	Updated []string
	Removed []string
}

// Changed reports whether the node was modified
func (r Result) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Removed) > 0
}

// Loader applies states files to a node. It only removes states it added
// itself, so states created at runtime survive a reload.
type Loader struct {
	node   *presence.Node
	logger *zap.Logger

	mu      sync.Mutex
	managed map[string]string // state name -> bound behavior
}

// NewLoader creates a loader for node
func NewLoader(node *presence.Node, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		node:    node,
		logger:  logger.Named("states"),
		managed: make(map[string]string),
	}
}

type resolved struct {
	state    models.CustomState
	behavior string
}

// Apply makes the node match f. Every definition is checked before anything
// is changed; an invalid file leaves the node untouched.
func (l *Loader) Apply(f *File) (Result, error) {
	defs, err := resolve(f)
	if err != nil {
		return Result{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var res Result
	for _, d := range defs {
		current, exists := l.node.State(d.state.Name)
		prevBehavior, wasManaged := l.managed[d.state.Name]

		if exists && wasManaged && prevBehavior == d.behavior && reflect.DeepEqual(current, d.state) {
			continue
		}
		if err := l.node.RegisterState(d.state); err != nil {
			return res, err
		}
		if d.behavior != "" {
			b, _ := Behavior(d.behavior)
			l.node.RegisterBehavior(d.state.Name, b)
		} else if prevBehavior != "" {
			l.node.RemoveBehavior(d.state.Name)
		}
		l.managed[d.state.Name] = d.behavior

		if exists {
			res.Updated = append(res.Updated, d.state.Name)
		} else {
			res.Added = append(res.Added, d.state.Name)
		}
	}

	keep := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		keep[d.state.Name] = struct{}{}
	}
	for name := range l.managed {
		if _, ok := keep[name]; ok {
			continue
		}
		delete(l.managed, name)
		if l.node.RemoveState(name) {
			res.Removed = append(res.Removed, name)
		}
	}
	sort.Strings(res.Removed)

	if res.Changed() {
		l.logger.Info("Applied custom states",
			zap.Strings("added", res.Added),
			zap.Strings("updated", res.Updated),
			zap.Strings("removed", res.Removed))
	}
	return res, nil
}

// ApplyFile loads path and applies it
func (l *Loader) ApplyFile(path string) (Result, error) {
	f, err := Load(path)
	if err != nil {
		return Result{}, err
	}
	return l.Apply(f)
}

// Managed returns the names of the states loaded from files
func (l *Loader) Managed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.managed))
	for name := range l.managed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolve(f *File) ([]resolved, error) {
	if f == nil {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(f.States))
	out := make([]resolved, 0, len(f.States))
	for _, def := range f.States {
		if _, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("state %q defined twice", def.Name)
		}
		seen[def.Name] = struct{}{}

		s, err := def.ToCustomState()
		if err != nil {
			return nil, err
		}
		if def.Behavior != "" {
			if _, ok := Behavior(def.Behavior); !ok {
				return nil, fmt.Errorf("state %q: unknown behavior %q (known: %v)", def.Name, def.Behavior, BehaviorNames())
			}
		}
		out = append(out, resolved{state: s, behavior: def.Behavior})
	}
	return out, nil
}
