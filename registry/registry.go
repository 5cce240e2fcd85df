// Package registry tracks which packages have top-level units in flight
// during one compilation run, and which classes those units contributed.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrCorrupt reports a deregistration that would drive a package's
// reference count below zero. A package that hits it is poisoned for the
// rest of the run.
var ErrCorrupt = errors.New("registry: reference count underflow")

// ErrPoisoned is returned by Register for a package whose entry was
// previously corrupted.
var ErrPoisoned = errors.New("registry: package poisoned")

// Stats counts lifecycle events for one package.
type Stats struct {
	Created int // times the entry went from absent to present
	Removed int // times the entry went from present to absent
	Active  int // current reference count
}

// Packages is a reference-counted package table. Register and Deregister are
// serialized; all methods are safe for concurrent use. A Packages value is
// scoped to one compilation run.
type Packages struct {
	mu       sync.Mutex
	counts   map[string]int
	pending  map[string]int // expected deregistrations not yet seen
	stats    map[string]*Stats
	poisoned map[string]error
}

// NewPackages creates an empty registry.
func NewPackages() *Packages {
	return &Packages{
		counts:   make(map[string]int),
		pending:  make(map[string]int),
		stats:    make(map[string]*Stats),
		poisoned: make(map[string]error),
	}
}

func (p *Packages) statsFor(pkg string) *Stats {
	s, ok := p.stats[pkg]
	if !ok {
		s = &Stats{}
		p.stats[pkg] = s
	}
	return s
}

// Register adds one reference to pkg, creating the entry on first use.
// It reports whether this call created the entry.
func (p *Packages) Register(pkg string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.poisoned[pkg]; ok {
		return false, fmt.Errorf("%w: %q: %v", ErrPoisoned, pkg, err)
	}
	s := p.statsFor(pkg)
	n, existed := p.counts[pkg]
	p.counts[pkg] = n + 1
	s.Active = n + 1
	if !existed {
		s.Created++
	}
	return !existed, nil
}

// Deregister drops one reference to pkg, removing the entry when the count
// reaches zero and no expected units remain. It reports whether this call
// removed the entry. Dropping a reference that was never taken poisons the
// package.
func (p *Packages) Deregister(pkg string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, ok := p.counts[pkg]
	if !ok || n <= 0 {
		err := fmt.Errorf("%w: package %q", ErrCorrupt, pkg)
		if _, already := p.poisoned[pkg]; !already {
			p.poisoned[pkg] = err
		}
		return false, err
	}
	if p.pending[pkg] > 0 {
		p.pending[pkg]--
	}
	s := p.statsFor(pkg)
	p.counts[pkg] = n - 1
	s.Active = n - 1
	if n == 1 && p.pending[pkg] == 0 {
		p.remove(pkg, s)
		return true, nil
	}
	return false, nil
}

func (p *Packages) remove(pkg string, s *Stats) {
	delete(p.counts, pkg)
	delete(p.pending, pkg)
	s.Active = 0
	s.Removed++
}

// Expect announces n more units that will register and deregister pkg.
// Until that many deregistrations have been seen (or Settle is called), the
// entry outlives a zero reference count, so units that run one after
// another share a single entry.
func (p *Packages) Expect(pkg string, n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[pkg] += n
}

// Settle drops any outstanding expectation for pkg, covering units that
// never registered. An entry left with no references is removed; Settle
// reports whether it removed one.
func (p *Packages) Settle(pkg string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, pkg)
	if n, ok := p.counts[pkg]; ok && n == 0 {
		p.remove(pkg, p.statsFor(pkg))
		return true
	}
	return false
}

// Count returns the current reference count of pkg.
func (p *Packages) Count(pkg string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[pkg]
}

// Registered reports whether pkg currently has an entry.
func (p *Packages) Registered(pkg string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.counts[pkg]
	return ok
}

// Active returns the registered packages in sorted order.
func (p *Packages) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.counts))
	for pkg := range p.counts {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// Stats returns the lifecycle counters for pkg.
func (p *Packages) Stats(pkg string) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stats[pkg]; ok {
		return *s
	}
	return Stats{}
}

// Poisoned returns the corruption error recorded for pkg, or nil.
func (p *Packages) Poisoned(pkg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.poisoned[pkg]
}

// Snapshot returns a copy of the current reference counts.
func (p *Packages) Snapshot() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.counts))
	for k, v := range p.counts {
		out[k] = v
	}
	return out
}
