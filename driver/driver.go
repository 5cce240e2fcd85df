// Package driver compiles unit trees concurrently, one writer per unit, over
// a package registry scoped to the run.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/redgen/bundle"
	"github.com/chazu/redgen/codegen"
	"github.com/chazu/redgen/registry"
	"github.com/chazu/redgen/store"
)

var log = commonlog.GetLogger("redgen.driver")

// ErrPackageAborted is reported for units skipped because their package
// was abandoned after registry corruption.
var ErrPackageAborted = errors.New("package aborted")

// Options configures a Driver.
type Options struct {
	Runtime *codegen.Runtime
	Jobs    int // concurrent writers; <= 0 means 1

	// Packages, if set, is used as the registry instead of a fresh one. It
	// is shared by every Run of the driver, so a driver given one should
	// run once.
	Packages *registry.Packages

	// Trace is passed to every writer.
	Trace func(codegen.Step, *codegen.Unit)
}

// Driver runs compilations. A Driver may be reused; every Run gets its own
// import table, and its own registry unless Options.Packages is set.
type Driver struct {
	opts Options
}

// New creates a driver.
func New(opts Options) *Driver {
	if opts.Runtime == nil {
		opts.Runtime = codegen.DefaultRuntime()
	}
	if opts.Jobs <= 0 {
		opts.Jobs = 1
	}
	return &Driver{opts: opts}
}

// Result is the outcome of one Run.
type Result struct {
	RunID    string
	Runtime  *codegen.Runtime
	Classes  []*codegen.Class // sorted by internal name
	Packages *registry.Packages
	Imports  *registry.Imports
	Aborted  []string // packages abandoned after registry corruption
}

// run is the mutable state shared by one Run's workers.
type run struct {
	mu      sync.Mutex
	errs    *multierror.Error
	classes []*codegen.Class
	aborted map[string]bool
}

func (r *run) fail(err error) {
	r.mu.Lock()
	r.errs = multierror.Append(r.errs, err)
	r.mu.Unlock()
}

func (r *run) isAborted(pkg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted[pkg]
}

// Run compiles every unit in the given trees. Unit failures do not stop the
// run; they are collected and returned together with the partial result.
// A unit that hits registry corruption aborts its whole package: units of
// that package not yet started are skipped and none of its classes are
// returned.
func (d *Driver) Run(ctx context.Context, roots []*codegen.Unit) (*Result, error) {
	res := &Result{
		RunID:    uuid.NewString(),
		Runtime:  d.opts.Runtime,
		Packages: d.opts.Packages,
		Imports:  registry.NewImports(),
	}
	if res.Packages == nil {
		res.Packages = registry.NewPackages()
	}
	env := codegen.Env{
		Runtime:  d.opts.Runtime,
		Packages: res.Packages,
		Imports:  res.Imports,
		Trace:    d.opts.Trace,
	}

	var units []*codegen.Unit
	methods := make(map[string]int)
	for _, root := range roots {
		root.Walk(func(u *codegen.Unit) error {
			units = append(units, u)
			if u.Kind == codegen.TopLevelMethod {
				methods[u.Package]++
			}
			return nil
		})
	}
	// One registry entry per package for the whole run, however the
	// package's methods interleave.
	for pkg, n := range methods {
		res.Packages.Expect(pkg, n)
	}
	log.Infof("run %s: compiling %d units with %d workers", res.RunID, len(units), d.opts.Jobs)

	r := &run{aborted: make(map[string]bool)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Jobs)
	for _, u := range units {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if r.isAborted(u.Package) {
				r.fail(fmt.Errorf("%s: %w: %q", u.InternalName(), ErrPackageAborted, u.Package))
				return nil
			}
			cls, err := codegen.Compile(u, env)
			if err != nil {
				if errors.Is(err, registry.ErrCorrupt) || errors.Is(err, registry.ErrPoisoned) {
					r.abort(u.Package, err)
				}
				r.fail(err)
				return nil
			}
			r.mu.Lock()
			r.classes = append(r.classes, cls)
			r.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.fail(fmt.Errorf("run %s cancelled: %w", res.RunID, err))
	} else if err := ctx.Err(); err != nil {
		r.fail(fmt.Errorf("run %s cancelled: %w", res.RunID, err))
	}
	for pkg := range methods {
		if res.Packages.Settle(pkg) {
			log.Debugf("package %q released after run %s", pkg, res.RunID)
		}
	}

	for _, cls := range r.classes {
		if !r.aborted[cls.Package] {
			res.Classes = append(res.Classes, cls)
		}
	}
	sort.Slice(res.Classes, func(i, j int) bool {
		return res.Classes[i].InternalName() < res.Classes[j].InternalName()
	})
	for pkg := range r.aborted {
		res.Aborted = append(res.Aborted, pkg)
	}
	sort.Strings(res.Aborted)

	// Every registration must have been released by the end of the run.
	for _, pkg := range res.Packages.Active() {
		if !r.aborted[pkg] {
			r.fail(fmt.Errorf("package %q still registered after run %s (count %d)", pkg, res.RunID, res.Packages.Count(pkg)))
		}
	}

	err := r.errs.ErrorOrNil()
	if err != nil {
		log.Warningf("run %s: %d classes, %d errors", res.RunID, len(res.Classes), len(r.errs.Errors))
	} else {
		log.Infof("run %s: %d classes", res.RunID, len(res.Classes))
	}
	return res, err
}

func (r *run) abort(pkg string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.aborted[pkg] {
		log.Errorf("aborting package %q: %v", pkg, cause)
		r.aborted[pkg] = true
	}
}

// Bundle packages the result's classes and imports.
func (res *Result) Bundle() *bundle.Bundle {
	return bundle.New(res.RunID, res.Runtime, res.Classes, res.Imports)
}

// WriteTree writes the result's classes under dir, skipping classes the
// cache already holds unchanged.
func (res *Result) WriteTree(dir string, cache *store.Cache) (store.Report, error) {
	report, err := store.WriteTree(dir, res.RunID, res.Classes, cache)
	if err != nil {
		return report, err
	}
	log.Infof("run %s: wrote %d classes to %s, %d unchanged", res.RunID, report.Written, dir, report.Unchanged)
	return report, nil
}
