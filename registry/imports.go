package registry

import (
	"sort"
	"sync"
)

// Imports records, per package, the fully qualified names of classes that
// method units made importable. The packaging step reads it after the run.
type Imports struct {
	mu      sync.RWMutex
	classes map[string]map[string]struct{}
}

// NewImports creates an empty import table.
func NewImports() *Imports {
	return &Imports{classes: make(map[string]map[string]struct{})}
}

// Add records className under pkg. It reports whether the name was new.
func (im *Imports) Add(pkg, className string) bool {
	im.mu.Lock()
	defer im.mu.Unlock()
	set, ok := im.classes[pkg]
	if !ok {
		set = make(map[string]struct{})
		im.classes[pkg] = set
	}
	if _, dup := set[className]; dup {
		return false
	}
	set[className] = struct{}{}
	return true
}

// Classes returns the sorted class names recorded for pkg.
func (im *Imports) Classes(pkg string) []string {
	im.mu.RLock()
	defer im.mu.RUnlock()
	set := im.classes[pkg]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Packages returns the sorted packages that have at least one import.
func (im *Imports) Packages() []string {
	im.mu.RLock()
	defer im.mu.RUnlock()
	out := make([]string, 0, len(im.classes))
	for pkg := range im.classes {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of recorded classes.
func (im *Imports) Len() int {
	im.mu.RLock()
	defer im.mu.RUnlock()
	n := 0
	for _, set := range im.classes {
		n += len(set)
	}
	return n
}
